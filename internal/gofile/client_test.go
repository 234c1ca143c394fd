package gofile

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
)

// newTestClient points a Client at the given test server for every
// endpoint, including the website-token source.
func newTestClient(t *testing.T, srv *httptest.Server, opts Options) *Client {
	t.Helper()
	opts.HTTPClient = srv.Client()
	opts.Logger = zap.NewNop()
	opts.APIBase = srv.URL
	opts.UploadBase = srv.URL
	opts.BypassBase = srv.URL
	opts.WTSource = srv.URL + "/dist/js/config.js"
	return New(opts)
}

func serveWT(w http.ResponseWriter, token string) {
	fmt.Fprintf(w, "var x = 1;\nappdata.wt = \"%s\";\nmore();", token)
}

func writeOK(w http.ResponseWriter, data string) {
	fmt.Fprintf(w, `{"status":"ok","data":%s}`, data)
}

func TestGuestAccountCreatedOnce(t *testing.T) {
	var accountCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /accounts", func(w http.ResponseWriter, r *http.Request) {
		accountCalls.Add(1)
		writeOK(w, `{"id":"acct-1","token":"guest-token","rootFolder":"6c9e22a7-7d6c-4986-8e93-b118558be0bb"}`)
	})
	mux.HandleFunc("/dist/js/config.js", func(w http.ResponseWriter, r *http.Request) {
		serveWT(w, "wt-1")
	})
	mux.HandleFunc("GET /contents/{id}", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer guest-token" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("X-Website-Token"); got != "wt-1" {
			t.Errorf("X-Website-Token = %q", got)
		}
		if got := r.Header.Get("Referer"); got != "https://gofile.io/" {
			t.Errorf("Referer = %q", got)
		}
		if got := r.URL.Query().Get("pageSize"); got != "9007199254740991" {
			t.Errorf("pageSize = %q", got)
		}
		writeOK(w, `{"type":"folder","id":"`+r.PathValue("id")+`","name":"root","canAccess":true,"code":"abc123","children":{}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv, Options{})

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.GetContents(context.Background(), "6c9e22a7-7d6c-4986-8e93-b118558be0bb"); err != nil {
				t.Errorf("GetContents() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if n := accountCalls.Load(); n != 1 {
		t.Errorf("guest account created %d times, want 1", n)
	}
}

func TestUnauthorizedTriggersSingleRefresh(t *testing.T) {
	var accountCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /accounts", func(w http.ResponseWriter, r *http.Request) {
		token := fmt.Sprintf("token-%d", accountCalls.Add(1))
		writeOK(w, `{"id":"acct","token":"`+token+`"}`)
	})
	mux.HandleFunc("/dist/js/config.js", func(w http.ResponseWriter, r *http.Request) {
		serveWT(w, "wt-1")
	})
	mux.HandleFunc("GET /contents/{id}", func(w http.ResponseWriter, r *http.Request) {
		// The first token is stale; only the refreshed one works.
		if r.Header.Get("Authorization") == "Bearer token-1" {
			fmt.Fprint(w, `{"status":"error-token","data":{}}`)
			return
		}
		writeOK(w, `{"type":"folder","id":"x","name":"root","canAccess":true,"children":{}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv, Options{})

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.GetContents(context.Background(), "x"); err != nil {
				t.Errorf("GetContents() error = %v", err)
			}
		}()
	}
	wg.Wait()

	// One initial guest account plus exactly one refresh.
	if n := accountCalls.Load(); n != 2 {
		t.Errorf("account calls = %d, want 2", n)
	}
}

func TestStaticTokenNeverRefreshed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /accounts", func(w http.ResponseWriter, r *http.Request) {
		t.Error("guest account created despite a configured token")
	})
	mux.HandleFunc("/dist/js/config.js", func(w http.ResponseWriter, r *http.Request) {
		serveWT(w, "wt-1")
	})
	mux.HandleFunc("GET /contents/{id}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"error-token","data":{}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv, Options{APIToken: "user-token"})

	_, err := c.GetContents(context.Background(), "x")
	if !IsKind(err, KindUnauthorized) {
		t.Errorf("GetContents() error = %v, want KindUnauthorized", err)
	}
}

func TestFetchContentsPasswordStates(t *testing.T) {
	tests := []struct {
		name   string
		status string
	}{
		{"required", "passwordRequired"},
		{"wrong", "passwordWrong"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("POST /accounts", func(w http.ResponseWriter, r *http.Request) {
				writeOK(w, `{"id":"a","token":"tok"}`)
			})
			mux.HandleFunc("/dist/js/config.js", func(w http.ResponseWriter, r *http.Request) {
				serveWT(w, "wt-1")
			})
			mux.HandleFunc("GET /contents/{id}", func(w http.ResponseWriter, r *http.Request) {
				writeOK(w, `{"type":"folder","id":"x","name":"locked","canAccess":false,"passwordStatus":"`+tt.status+`"}`)
			})
			srv := httptest.NewServer(mux)
			defer srv.Close()

			c := newTestClient(t, srv, Options{})
			_, err := c.GetContents(context.Background(), "x")
			if !IsKind(err, KindUnauthorized) {
				t.Errorf("GetContents() error = %v, want KindUnauthorized", err)
			}
		})
	}
}

func TestFetchContentsSendsPassword(t *testing.T) {
	const digest = "0123abcd"

	mux := http.NewServeMux()
	mux.HandleFunc("POST /accounts", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, `{"id":"a","token":"tok"}`)
	})
	mux.HandleFunc("/dist/js/config.js", func(w http.ResponseWriter, r *http.Request) {
		serveWT(w, "wt-1")
	})
	mux.HandleFunc("GET /contents/{id}", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("password"); got != digest {
			t.Errorf("password query = %q, want %q", got, digest)
		}
		writeOK(w, `{"type":"folder","id":"x","name":"n","canAccess":true,"children":{}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv, Options{Password: digest})
	if _, err := c.GetContents(context.Background(), "x"); err != nil {
		t.Fatalf("GetContents() error = %v", err)
	}
}

func TestFetchContentsRefetchesRestrictedChildren(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /accounts", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, `{"id":"a","token":"tok"}`)
	})
	mux.HandleFunc("/dist/js/config.js", func(w http.ResponseWriter, r *http.Request) {
		serveWT(w, "wt-1")
	})
	mux.HandleFunc("GET /contents/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("id") {
		case "root":
			writeOK(w, `{"type":"folder","id":"root","name":"root","canAccess":true,"children":{
				"sub": {"type":"folder","id":"sub","name":"???","canAccess":false}
			}}`)
		case "sub":
			writeOK(w, `{"type":"folder","id":"sub","name":"revealed","canAccess":true,"code":"subcode","children":{}}`)
		default:
			fmt.Fprint(w, `{"status":"error-notFound","data":{}}`)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv, Options{})
	contents, err := c.GetContents(context.Background(), "root")
	if err != nil {
		t.Fatalf("GetContents() error = %v", err)
	}
	children := contents.Folder.Children
	if len(children) != 1 {
		t.Fatalf("got %d children, want 1", len(children))
	}
	child := children[0].Folder
	if child == nil || child.Name != "revealed" || !child.CanAccess {
		t.Errorf("restricted child not refetched: %+v", child)
	}
}

func TestGetContentsFileResolvesThroughParent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /accounts", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, `{"id":"a","token":"tok"}`)
	})
	mux.HandleFunc("/dist/js/config.js", func(w http.ResponseWriter, r *http.Request) {
		serveWT(w, "wt-1")
	})
	mux.HandleFunc("GET /contents/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("id") {
		case "file-1":
			// Bare file responses carry no link.
			writeOK(w, `{"type":"file","id":"file-1","name":"a.txt","parentFolder":"parent-1","size":5,"canAccess":true}`)
		case "parent-1":
			writeOK(w, `{"type":"folder","id":"parent-1","name":"parent","canAccess":true,"children":{
				"file-1": {"type":"file","id":"file-1","name":"a.txt","parentFolder":"parent-1","size":5,"link":"https://store1.gofile.io/download/file-1/a.txt","canAccess":true}
			}}`)
		default:
			fmt.Fprint(w, `{"status":"error-notFound","data":{}}`)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv, Options{})
	contents, err := c.GetContents(context.Background(), "file-1")
	if err != nil {
		t.Fatalf("GetContents() error = %v", err)
	}
	if contents.File == nil || contents.File.Link == "" {
		t.Fatalf("expected file entry with link, got %+v", contents)
	}
}

func TestUploadFileMultipart(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /accounts", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, `{"id":"a","token":"tok"}`)
	})
	mux.HandleFunc("POST /uploadfile", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("ParseMultipartForm() error = %v", err)
		}
		if got := r.FormValue("token"); got != "tok" {
			t.Errorf("token field = %q", got)
		}
		if got := r.FormValue("folderId"); got != "parent-1" {
			t.Errorf("folderId field = %q", got)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("FormFile() error = %v", err)
		}
		defer file.Close()
		if header.Filename != "hello.txt" {
			t.Errorf("filename = %q", header.Filename)
		}
		data, _ := io.ReadAll(file)
		if string(data) != "hello world" {
			t.Errorf("file content = %q", data)
		}
		writeOK(w, `{"id":"new-file","name":"hello.txt","parentFolder":"parent-1","size":11}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv, Options{})
	uploaded, err := c.UploadFile(context.Background(), "parent-1", "hello.txt", strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("UploadFile() error = %v", err)
	}
	if uploaded.ID != "new-file" || uploaded.Size != 11 {
		t.Errorf("uploaded = %+v", uploaded)
	}
}

func TestContentMutations(t *testing.T) {
	type call struct {
		method, path, body string
	}
	var calls []call

	mux := http.NewServeMux()
	mux.HandleFunc("POST /accounts", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, `{"id":"a","token":"tok"}`)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		calls = append(calls, call{r.Method, r.URL.Path, string(body)})
		writeOK(w, `{"id":"created","name":"n","code":"c"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv, Options{})
	ctx := context.Background()

	if _, err := c.CreateFolder(ctx, "parent-1", "docs"); err != nil {
		t.Fatalf("CreateFolder() error = %v", err)
	}
	if err := c.UpdateName(ctx, "id-1", "renamed.txt"); err != nil {
		t.Fatalf("UpdateName() error = %v", err)
	}
	if err := c.MoveContents(ctx, "dest-1", "id-1", "id-2"); err != nil {
		t.Fatalf("MoveContents() error = %v", err)
	}
	if err := c.DeleteContents(ctx, "id-1", "id-2"); err != nil {
		t.Fatalf("DeleteContents() error = %v", err)
	}
	if err := c.DeleteContents(ctx); err != nil {
		t.Fatalf("DeleteContents() with no ids error = %v", err)
	}

	want := []call{
		{"POST", "/contents/createfolder", `{"parentFolderId":"parent-1","folderName":"docs"}`},
		{"PUT", "/contents/id-1/update", `{"attribute":"name","attributeValue":"renamed.txt"}`},
		{"PUT", "/contents/move", `{"contentsId":"id-1,id-2","folderId":"dest-1"}`},
		{"DELETE", "/contents", `{"contentsId":"id-1,id-2"}`},
	}
	if len(calls) != len(want) {
		t.Fatalf("got %d calls, want %d: %+v", len(calls), len(want), calls)
	}
	for i, w := range want {
		if calls[i] != w {
			t.Errorf("call[%d] = %+v, want %+v", i, calls[i], w)
		}
	}
}

func TestDownload(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /accounts", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, `{"id":"a","token":"tok"}`)
	})
	mux.HandleFunc("GET /download/direct", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Range"); got != "bytes=100-" {
			t.Errorf("Range = %q", got)
		}
		w.WriteHeader(http.StatusPartialContent)
		io.WriteString(w, "partial content")
	})
	mux.HandleFunc("GET /download/proxied", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("bypassed download sent Authorization = %q", got)
		}
		io.WriteString(w, "proxied content")
	})
	mux.HandleFunc("GET /download/quota", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv, Options{})
	ctx := context.Background()

	body, err := c.Download(ctx, srv.URL+"/download/direct", 100, false)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	data, _ := io.ReadAll(body)
	body.Close()
	if string(data) != "partial content" {
		t.Errorf("direct body = %q", data)
	}

	body, err = c.Download(ctx, srv.URL+"/download/proxied", 0, true)
	if err != nil {
		t.Fatalf("Download(bypassed) error = %v", err)
	}
	body.Close()

	_, err = c.Download(ctx, srv.URL+"/download/quota", 0, false)
	if !IsKind(err, KindQuotaExceeded) {
		t.Errorf("quota download error = %v, want KindQuotaExceeded", err)
	}
}

func TestDownloadRetriesRejectedToken(t *testing.T) {
	var accountCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /accounts", func(w http.ResponseWriter, r *http.Request) {
		token := fmt.Sprintf("token-%d", accountCalls.Add(1))
		writeOK(w, `{"id":"a","token":"`+token+`"}`)
	})
	mux.HandleFunc("GET /download/f", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer token-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, "content")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv, Options{})
	body, err := c.Download(context.Background(), srv.URL+"/download/f", 0, false)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	defer body.Close()
	if n := accountCalls.Load(); n != 2 {
		t.Errorf("account calls = %d, want 2", n)
	}
}

func TestScrapeWebsiteToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/dist/js/config.js", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `window.appdata = {};`+"\n"+`appdata.wt = "4fd6sg89d7s6";`+"\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv, Options{})
	tok, err := c.websiteToken(context.Background())
	if err != nil {
		t.Fatalf("websiteToken() error = %v", err)
	}
	if tok != "4fd6sg89d7s6" {
		t.Errorf("websiteToken() = %q", tok)
	}

	// Cached: a second call must not re-scrape.
	srv.Close()
	if tok2, err := c.websiteToken(context.Background()); err != nil || tok2 != tok {
		t.Errorf("cached websiteToken() = %q, %v", tok2, err)
	}
}
