package blob

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jacktea/carblob/pkg/xerrors"
)

type noopSigner struct{}

func (n *noopSigner) Sign(req *http.Request, payloadHash string) error { return nil }

// objectServer is a minimal bucket: PUT stores, GET/HEAD go through
// http.ServeContent so Range, 206 and 416 behave like a real endpoint.
type objectServer struct {
	mu      sync.Mutex
	objects map[string][]byte
	ranges  []string
}

func newObjectServer() *objectServer {
	return &objectServer{objects: make(map[string][]byte)}
}

func (o *objectServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		o.objects[r.URL.Path] = body
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		data, ok := o.objects[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if v := r.Header.Get("Range"); v != "" {
			o.ranges = append(o.ranges, v)
		}
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
	case http.MethodDelete:
		if _, ok := o.objects[r.URL.Path]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(o.objects, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestRemoteStore(t *testing.T, handler http.Handler) *RemoteStore {
	t.Helper()
	server := newHTTPTestServer(t, handler)
	t.Cleanup(server.Close)
	store, err := NewRemoteStore(RemoteConfig{Endpoint: server.URL, Bucket: "bucket", Client: server.Client()}, &noopSigner{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestRemoteStore(t *testing.T) {
	testStore(t, newTestRemoteStore(t, newObjectServer()))
}

func TestRemoteStoreSendsRangeHeader(t *testing.T) {
	ctx := context.Background()
	objects := newObjectServer()
	store := newTestRemoteStore(t, objects)
	if err := store.Put(ctx, "a.car", strings.NewReader(testPayload), int64(len(testPayload))); err != nil {
		t.Fatalf("put: %v", err)
	}
	obj, err := store.Get(ctx, "a.car", GetOptions{Offset: 3, Length: 2})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	obj.Close()
	obj, err = store.Get(ctx, "a.car", GetOptions{Offset: 7})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	obj.Close()
	want := []string{"bytes=3-4", "bytes=7-"}
	if strings.Join(objects.ranges, ",") != strings.Join(want, ",") {
		t.Fatalf("expected ranges %v got %v", want, objects.ranges)
	}
}

func TestRemoteStoreServerIgnoresRange(t *testing.T) {
	store := newTestRemoteStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "20")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, testPayload)
	}))
	obj, err := store.Get(context.Background(), "a.car", GetOptions{Offset: 15})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer obj.Close()
	body, _ := io.ReadAll(obj.Body)
	if string(body) != "fghij" || obj.Offset != 15 || obj.Length != 5 {
		t.Fatalf("unexpected read %q at %d+%d", string(body), obj.Offset, obj.Length)
	}
}

func TestRemoteStoreServerErrorIsIO(t *testing.T) {
	store := newTestRemoteStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusInternalServerError)
	}))
	ctx := context.Background()
	if _, err := store.Get(ctx, "a.car", GetOptions{}); xerrors.KindOf(err) != xerrors.KindIO {
		t.Fatalf("expected io error on get, got %v", err)
	}
	if _, err := store.Head(ctx, "a.car"); xerrors.KindOf(err) != xerrors.KindIO {
		t.Fatalf("expected io error on head, got %v", err)
	}
	if err := store.Put(ctx, "a.car", strings.NewReader("x"), 1); xerrors.KindOf(err) != xerrors.KindIO {
		t.Fatalf("expected io error on put, got %v", err)
	}
}

func TestRemoteStorePutSetsContentMD5(t *testing.T) {
	var header http.Header
	store := newTestRemoteStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	if err := store.Put(context.Background(), "a.car", strings.NewReader(""), 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	if got := header.Get("Content-MD5"); got != "1B2M2Y8AsgTpgAmY7PhCfg==" {
		t.Fatalf("unexpected Content-MD5 %q", got)
	}
}

func TestRemoteStoreEscapesKeys(t *testing.T) {
	store, err := NewRemoteStore(RemoteConfig{Endpoint: "https://oss.example.com/", Bucket: "/bucket/"}, &noopSigner{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	got := store.objectURL("cars/a b#1.car")
	if got != "https://oss.example.com/bucket/cars/a%20b%231.car" {
		t.Fatalf("unexpected url %s", got)
	}
}

func TestParseContentRange(t *testing.T) {
	start, end, size, err := parseContentRange("bytes 5-9/20")
	if err != nil || start != 5 || end != 9 || size != 20 {
		t.Fatalf("unexpected parse %d %d %d %v", start, end, size, err)
	}
	for _, bad := range []string{"", "items 1-2/3", "bytes 1-2", "bytes 5-2/10", "bytes 1-10/10", "bytes */10"} {
		if _, _, _, err := parseContentRange(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestOSSSignerAddsAuthorization(t *testing.T) {
	signer := &ossSigner{accessKey: "ak", secretKey: "sk", now: func() time.Time {
		return time.Date(2023, 3, 10, 12, 0, 0, 0, time.UTC)
	}}
	req, _ := http.NewRequest(http.MethodPut, "https://oss.example.com/bucket/object", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-MD5", "1B2M2Y8AsgTpgAmY7PhCfg==")
	req.Header.Set("X-Oss-Meta-Name", "a")
	if err := signer.Sign(req, ""); err != nil {
		t.Fatalf("sign: %v", err)
	}
	stringToSign := "PUT\n1B2M2Y8AsgTpgAmY7PhCfg==\napplication/octet-stream\nFri, 10 Mar 2023 12:00:00 GMT\nx-oss-meta-name:a\n/bucket/object"
	mac := hmac.New(sha1.New, []byte("sk"))
	mac.Write([]byte(stringToSign))
	want := "OSS ak:" + base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if got := req.Header.Get("Authorization"); got != want {
		t.Fatalf("expected %s got %s", want, got)
	}
}

func TestCOSSignerAddsAuthorization(t *testing.T) {
	signer := &cosSigner{accessKey: "ak", secretKey: "sk", now: func() time.Time { return time.Unix(1700000000, 0) }}
	req, _ := http.NewRequest(http.MethodGet, "https://cos.example.com/bucket/object?b=2&a=1", nil)
	req.Header.Set("Range", "bytes=0-9")
	if err := signer.Sign(req, ""); err != nil {
		t.Fatalf("sign: %v", err)
	}
	auth := req.Header.Get("Authorization")
	for _, part := range []string{
		"q-sign-algorithm=sha1",
		"q-ak=ak",
		"q-sign-time=1699999940;1700000900",
		"q-header-list=range",
		"q-url-param-list=a;b",
	} {
		if !strings.Contains(auth, part) {
			t.Fatalf("expected %q in %s", part, auth)
		}
	}
}

func TestProviderStoresRequireCredentials(t *testing.T) {
	cfg := RemoteConfig{Endpoint: "https://example.com", Bucket: "b"}
	if _, err := NewOSSStore(OSSConfig{RemoteConfig: cfg}); err == nil {
		t.Fatalf("expected oss credential error")
	}
	if _, err := NewCOSStore(COSConfig{RemoteConfig: cfg, AccessKey: "ak"}); err == nil {
		t.Fatalf("expected cos credential error")
	}
	if _, err := NewCOSStore(COSConfig{RemoteConfig: cfg, AccessKey: "ak", SecretKey: "sk"}); err != nil {
		t.Fatalf("cos store: %v", err)
	}
}

func newHTTPTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("httptest listener unavailable: %v", err)
	}
	srv := httptest.NewUnstartedServer(handler)
	srv.Listener = ln
	srv.Start()
	return srv
}
