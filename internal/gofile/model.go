package gofile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CanonicalID normalizes a GoFile content id for use as a cache key.
// Folders are addressed both by UUID and by short code; UUID-form ids
// normalize to the canonical lowercase textual form, short codes pass
// through unchanged.
func CanonicalID(id string) string {
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return id
}

// File is a file entry as returned by the contents endpoint.
type File struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ParentFolder   string `json:"parentFolder"`
	Size           int64  `json:"size"`
	CreateTime     int64  `json:"createTime"`
	ModTime        int64  `json:"modTime"`
	MD5            string `json:"md5"`
	Link           string `json:"link"`
	Mimetype       string `json:"mimetype"`
	ServerSelected string `json:"serverSelected"`
	CanAccess      bool   `json:"canAccess"`
	IsFrozen       bool   `json:"isFrozen"`

	// Bypassed is set by the bypass router when Link has been replaced
	// with a quota-bypass proxy link. Not part of the wire format.
	Bypassed bool `json:"-"`
}

// Folder is a folder entry. Children preserves the document order of the
// remote children object; on duplicate names the first-listed entry wins
// during path resolution.
type Folder struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Code           string `json:"code"`
	ParentFolder   string `json:"parentFolder"`
	TotalSize      int64  `json:"totalSize"`
	CreateTime     int64  `json:"createTime"`
	ModTime        int64  `json:"modTime"`
	ChildrenCount  int64  `json:"childrenCount"`
	Public         bool   `json:"public"`
	HasPassword    bool   `json:"password"`
	PasswordStatus string `json:"passwordStatus"`
	CanAccess      bool   `json:"canAccess"`
	IsOwner        bool   `json:"isOwner"`

	Children []Contents `json:"-"`
}

// Contents is a remote entry: exactly one of File or Folder is set.
type Contents struct {
	File   *File
	Folder *Folder
}

// IsZero reports whether c holds no entry.
func (c Contents) IsZero() bool { return c.File == nil && c.Folder == nil }

// IsDir reports whether c is a folder.
func (c Contents) IsDir() bool { return c.Folder != nil }

// ID returns the entry's UUID-form id.
func (c Contents) ID() string {
	if c.File != nil {
		return c.File.ID
	}
	if c.Folder != nil {
		return c.Folder.ID
	}
	return ""
}

// Name returns the entry's display name.
func (c Contents) Name() string {
	if c.File != nil {
		return c.File.Name
	}
	if c.Folder != nil {
		return c.Folder.Name
	}
	return ""
}

// Size returns the file size, or the folder's total size.
func (c Contents) Size() int64 {
	if c.File != nil {
		return c.File.Size
	}
	if c.Folder != nil {
		return c.Folder.TotalSize
	}
	return 0
}

// ModTime returns the entry's last modification time.
func (c Contents) ModTime() time.Time {
	if c.File != nil {
		return time.Unix(c.File.ModTime, 0)
	}
	if c.Folder != nil {
		return time.Unix(c.Folder.ModTime, 0)
	}
	return time.Time{}
}

// ParentID returns the id of the entry's parent folder, if known.
func (c Contents) ParentID() string {
	if c.File != nil {
		return c.File.ParentFolder
	}
	if c.Folder != nil {
		return c.Folder.ParentFolder
	}
	return ""
}

func (c *Contents) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	switch probe.Type {
	case "file":
		f := new(File)
		if err := json.Unmarshal(data, f); err != nil {
			return err
		}
		c.File = f
	case "folder":
		fo := new(Folder)
		if err := json.Unmarshal(data, fo); err != nil {
			return err
		}
		children, err := decodeChildren(data)
		if err != nil {
			return err
		}
		fo.Children = children
		c.Folder = fo
	default:
		return fmt.Errorf("unknown contents type %q", probe.Type)
	}
	return nil
}

// decodeChildren extracts the "children" object of a folder entry while
// preserving the document order of its members. encoding/json maps are
// unordered, so the object is walked with a token decoder instead.
func decodeChildren(data []byte) ([]Contents, error) {
	var raw struct {
		Children json.RawMessage `json:"children"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if len(raw.Children) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw.Children))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		// Some responses use an empty array for childless folders.
		return nil, nil
	}
	var out []Contents
	for dec.More() {
		// Member key is the child id, already present in the value.
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		var child Contents
		if err := dec.Decode(&child); err != nil {
			return nil, err
		}
		out = append(out, child)
	}
	return out, nil
}

// Account describes the account owning the bearer token.
type Account struct {
	ID         string `json:"id"`
	RootFolder string `json:"rootFolder"`
	Tier       string `json:"tier"`
	Token      string `json:"token"`
	Email      string `json:"email"`
}

// UploadedFile is the upload endpoint's description of a stored file.
type UploadedFile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ParentFolder string `json:"parentFolder"`
	MD5          string `json:"md5"`
	Size         int64  `json:"size"`
}

// BypassFile is one entry of the quota-bypass service's folder listing.
type BypassFile struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Link      string `json:"link"`
	ProxyLink string `json:"proxyLink"`
}

// envelope is the wrapper every GoFile API response comes in.
type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

// decodeEnvelope unwraps an API response body. Non-ok statuses become
// kind-classified errors; a body that is not an envelope is KindInvalid.
func decodeEnvelope(op string, body []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return &Error{Kind: KindInvalid, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	if env.Status == "" {
		return errf(KindInvalid, op, "response missing status field")
	}
	// "success" is the bypass service's spelling of "ok".
	if env.Status != "ok" && env.Status != "success" {
		return &Error{
			Kind:   kindForStatus(env.Status),
			Op:     op,
			Status: env.Status,
			Err:    fmt.Errorf("api status %s", env.Status),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &Error{Kind: KindInvalid, Op: op, Err: fmt.Errorf("decode data: %w", err)}
	}
	return nil
}
