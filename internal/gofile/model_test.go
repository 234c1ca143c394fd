package gofile

import (
	"errors"
	"io/fs"
	"testing"
)

func TestDecodeEnvelopeFolder(t *testing.T) {
	body := []byte(`{
		"status": "ok",
		"data": {
			"canAccess": true,
			"id": "6c9e22a7-7d6c-4986-8e93-b118558be0bb",
			"type": "folder",
			"name": "root",
			"createTime": 1719990416,
			"modTime": 1719990416,
			"code": "Veil7n",
			"public": false,
			"totalDownloadCount": 0,
			"totalSize": 0,
			"childrenCount": 0,
			"children": {}
		}
	}`)

	var out Contents
	if err := decodeEnvelope("contents", body, &out); err != nil {
		t.Fatalf("decodeEnvelope() error = %v", err)
	}
	folder := out.Folder
	if folder == nil {
		t.Fatal("expected a folder entry")
	}
	if !folder.CanAccess {
		t.Error("CanAccess = false, want true")
	}
	if folder.ID != "6c9e22a7-7d6c-4986-8e93-b118558be0bb" {
		t.Errorf("ID = %q", folder.ID)
	}
	if folder.Name != "root" {
		t.Errorf("Name = %q, want root", folder.Name)
	}
	if folder.Code != "Veil7n" {
		t.Errorf("Code = %q, want Veil7n", folder.Code)
	}
	if folder.CreateTime != 1719990416 || folder.ModTime != 1719990416 {
		t.Errorf("times = %d/%d", folder.CreateTime, folder.ModTime)
	}
	if folder.Public {
		t.Error("Public = true, want false")
	}
	if len(folder.Children) != 0 {
		t.Errorf("Children = %d entries, want 0", len(folder.Children))
	}
}

func TestDecodeEnvelopeErrorStatuses(t *testing.T) {
	tests := []struct {
		status string
		want   Kind
	}{
		{"error-notFound", KindNotFound},
		{"error-token", KindUnauthorized},
		{"error-auth", KindUnauthorized},
		{"error-rateLimit", KindRateLimited},
		{"error-notPremium", KindQuotaExceeded},
		{"error-somethingElse", KindInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			body := []byte(`{"status":"` + tt.status + `","data":{}}`)
			err := decodeEnvelope("contents", body, nil)
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := KindOf(err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
			var e *Error
			if !errors.As(err, &e) || e.Status != tt.status {
				t.Errorf("Status = %q, want %q", e.Status, tt.status)
			}
		})
	}
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	for _, body := range []string{`{"verde": true}`, ``} {
		err := decodeEnvelope("contents", []byte(body), nil)
		if !IsKind(err, KindInvalid) {
			t.Errorf("decodeEnvelope(%q) = %v, want KindInvalid", body, err)
		}
	}
}

func TestDecodeChildrenPreservesOrder(t *testing.T) {
	body := []byte(`{
		"status": "ok",
		"data": {
			"type": "folder",
			"id": "6c9e22a7-7d6c-4986-8e93-b118558be0bb",
			"name": "root",
			"canAccess": true,
			"children": {
				"b1": {"type":"file","id":"b1","name":"dup.txt","size":1,"canAccess":true},
				"a2": {"type":"folder","id":"a2","name":"sub","canAccess":true},
				"c3": {"type":"file","id":"c3","name":"dup.txt","size":2,"canAccess":true}
			}
		}
	}`)

	var out Contents
	if err := decodeEnvelope("contents", body, &out); err != nil {
		t.Fatalf("decodeEnvelope() error = %v", err)
	}
	children := out.Folder.Children
	if len(children) != 3 {
		t.Fatalf("got %d children, want 3", len(children))
	}
	wantIDs := []string{"b1", "a2", "c3"}
	for i, want := range wantIDs {
		if children[i].ID() != want {
			t.Errorf("children[%d].ID() = %q, want %q", i, children[i].ID(), want)
		}
	}
}

func TestDecodeChildrenEmptyArray(t *testing.T) {
	// Childless folders sometimes come back with an empty array instead
	// of an object.
	body := []byte(`{"status":"ok","data":{"type":"folder","id":"x","name":"n","canAccess":true,"children":[]}}`)
	var out Contents
	if err := decodeEnvelope("contents", body, &out); err != nil {
		t.Fatalf("decodeEnvelope() error = %v", err)
	}
	if len(out.Folder.Children) != 0 {
		t.Errorf("got %d children, want 0", len(out.Folder.Children))
	}
}

func TestContentsUnmarshalUnknownType(t *testing.T) {
	var c Contents
	if err := c.UnmarshalJSON([]byte(`{"type":"banana"}`)); err == nil {
		t.Error("expected an error for unknown type")
	}
}

func TestCanonicalID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"6C9E22A7-7D6C-4986-8E93-B118558BE0BB", "6c9e22a7-7d6c-4986-8e93-b118558be0bb"},
		{"6c9e22a7-7d6c-4986-8e93-b118558be0bb", "6c9e22a7-7d6c-4986-8e93-b118558be0bb"},
		{"Veil7n", "Veil7n"},
	}
	for _, tt := range tests {
		if got := CanonicalID(tt.in); got != tt.want {
			t.Errorf("CanonicalID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestErrorSentinelMapping(t *testing.T) {
	tests := []struct {
		kind Kind
		want error
	}{
		{KindNotFound, fs.ErrNotExist},
		{KindUnauthorized, fs.ErrPermission},
		{KindForbidden, fs.ErrPermission},
		{KindConflict, fs.ErrExist},
	}
	for _, tt := range tests {
		err := errf(tt.kind, "op", "boom")
		if !errors.Is(err, tt.want) {
			t.Errorf("errors.Is(%v, %v) = false, want true", tt.kind, tt.want)
		}
	}
	if errors.Is(errf(KindTransient, "op", "boom"), fs.ErrNotExist) {
		t.Error("transient error should not match fs.ErrNotExist")
	}
}
