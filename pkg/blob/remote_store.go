package blob

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jacktea/carblob/pkg/xerrors"
)

// RemoteStore reads and writes objects over signed HTTP (Aliyun OSS and
// Tencent COS style endpoints).
type RemoteStore struct {
	client  *http.Client
	baseURL string
	signer  Signer
}

// RemoteConfig is a generic configuration used by provider helpers.
type RemoteConfig struct {
	Endpoint string
	Bucket   string
	Client   *http.Client
}

// Signer signs HTTP requests for remote providers.
type Signer interface {
	Sign(req *http.Request, payloadHash string) error
}

// NewRemoteStore builds a RemoteStore with a signer.
func NewRemoteStore(cfg RemoteConfig, signer Signer) (*RemoteStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("remote store requires endpoint and bucket")
	}
	bucket := strings.Trim(cfg.Bucket, "/")
	if bucket == "" {
		return nil, fmt.Errorf("remote store bucket invalid")
	}
	if signer == nil {
		return nil, fmt.Errorf("remote store requires a signer")
	}
	base := strings.TrimSuffix(cfg.Endpoint, "/") + "/" + bucket
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &RemoteStore{client: client, baseURL: base, signer: signer}, nil
}

// Get issues a ranged GET. A 416 answer is resolved with a HEAD so that a read
// starting exactly at the end of the object yields an empty body.
func (r *RemoteStore) Get(ctx context.Context, key string, opts GetOptions) (*Object, error) {
	if err := validateKey("RemoteStore.Get", key); err != nil {
		return nil, err
	}
	if opts.Offset < 0 || opts.Length < 0 {
		return nil, xerrors.E(xerrors.KindInvalid, "RemoteStore.Get", key)
	}
	req, err := r.newRequest(ctx, http.MethodGet, key)
	if err != nil {
		return nil, err
	}
	if !opts.IsWhole() {
		req.Header.Set("Range", rangeHeader(opts))
	}
	if err := r.sign(req); err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindIO, "RemoteStore.Get", key, err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		size := resp.ContentLength
		if size < 0 {
			resp.Body.Close()
			return nil, xerrors.Wrap(xerrors.KindIO, "RemoteStore.Get", key, fmt.Errorf("remote get: missing content length"))
		}
		offset, length, err := opts.Range(size)
		if err != nil {
			resp.Body.Close()
			return nil, err
		}
		if offset > 0 {
			// The server ignored the Range header.
			if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
				resp.Body.Close()
				return nil, xerrors.Wrap(xerrors.KindIO, "RemoteStore.Get", key, err)
			}
		}
		return &Object{Body: limitBody(resp.Body, length), Size: size, Offset: offset, Length: length}, nil
	case http.StatusPartialContent:
		start, end, size, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			resp.Body.Close()
			return nil, xerrors.Wrap(xerrors.KindIO, "RemoteStore.Get", key, err)
		}
		return &Object{Body: resp.Body, Size: size, Offset: start, Length: end - start + 1}, nil
	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		info, err := r.Head(ctx, key)
		if err != nil {
			return nil, err
		}
		offset, _, err := opts.Range(info.Size)
		if err != nil {
			return nil, err
		}
		return &Object{Body: emptyBody{}, Size: info.Size, Offset: offset}, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, notFound("RemoteStore.Get", key)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, xerrors.Wrap(xerrors.KindIO, "RemoteStore.Get", key, fmt.Errorf("remote get %s: %s", resp.Status, string(body)))
	}
}

// Head reports the object size from Content-Length.
func (r *RemoteStore) Head(ctx context.Context, key string) (Info, error) {
	if err := validateKey("RemoteStore.Head", key); err != nil {
		return Info{}, err
	}
	req, err := r.newRequest(ctx, http.MethodHead, key)
	if err != nil {
		return Info{}, err
	}
	if err := r.sign(req); err != nil {
		return Info{}, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return Info{}, xerrors.Wrap(xerrors.KindIO, "RemoteStore.Head", key, err)
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
		if resp.ContentLength < 0 {
			return Info{}, xerrors.Wrap(xerrors.KindIO, "RemoteStore.Head", key, fmt.Errorf("remote head: missing content length"))
		}
		return Info{Size: resp.ContentLength}, nil
	case resp.StatusCode == http.StatusNotFound:
		return Info{}, notFound("RemoteStore.Head", key)
	default:
		return Info{}, xerrors.Wrap(xerrors.KindIO, "RemoteStore.Head", key, fmt.Errorf("remote head %s", resp.Status))
	}
}

// Put uploads an object via HTTP PUT. The body is buffered to compute the
// Content-MD5 the providers require.
func (r *RemoteStore) Put(ctx context.Context, key string, src io.Reader, size int64) error {
	if err := validateKey("RemoteStore.Put", key); err != nil {
		return err
	}
	payload, err := io.ReadAll(src)
	if err != nil {
		return xerrors.Wrap(xerrors.KindIO, "RemoteStore.Put", key, err)
	}
	if size >= 0 && int64(len(payload)) != size {
		return xerrors.E(xerrors.KindInvalid, "RemoteStore.Put", key+": short body")
	}
	md5Sum := md5.Sum(payload)
	payloadDigest := sha256.Sum256(payload)
	payloadHash := hex.EncodeToString(payloadDigest[:])
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.objectURL(key), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Length", strconv.Itoa(len(payload)))
	req.Header.Set("Content-MD5", base64.StdEncoding.EncodeToString(md5Sum[:]))
	req.Header.Set("Host", req.URL.Host)
	if err := r.signer.Sign(req, payloadHash); err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.KindIO, "RemoteStore.Put", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return xerrors.Wrap(xerrors.KindIO, "RemoteStore.Put", key, fmt.Errorf("remote put %s: %s", resp.Status, string(body)))
	}
	return nil
}

// Delete removes an object. Missing objects are not an error.
func (r *RemoteStore) Delete(ctx context.Context, key string) error {
	if err := validateKey("RemoteStore.Delete", key); err != nil {
		return err
	}
	req, err := r.newRequest(ctx, http.MethodDelete, key)
	if err != nil {
		return err
	}
	if err := r.sign(req); err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.KindIO, "RemoteStore.Delete", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return xerrors.Wrap(xerrors.KindIO, "RemoteStore.Delete", key, fmt.Errorf("remote delete %s: %s", resp.Status, string(body)))
	}
	return nil
}

func (r *RemoteStore) newRequest(ctx context.Context, method, key string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, r.objectURL(key), nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "RemoteStore", key, err)
	}
	req.Header.Set("Host", req.URL.Host)
	return req, nil
}

func (r *RemoteStore) sign(req *http.Request) error {
	return r.signer.Sign(req, emptyPayloadHash())
}

func (r *RemoteStore) objectURL(key string) string {
	segments := strings.Split(strings.TrimPrefix(key, "/"), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.TrimSuffix(r.baseURL, "/") + "/" + strings.Join(segments, "/")
}

func rangeHeader(opts GetOptions) string {
	if opts.Length > 0 {
		return fmt.Sprintf("bytes=%d-%d", opts.Offset, opts.Offset+opts.Length-1)
	}
	return fmt.Sprintf("bytes=%d-", opts.Offset)
}

// parseContentRange parses "bytes first-last/total".
func parseContentRange(v string) (start, end, size int64, err error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("content-range %q: unsupported unit", v)
	}
	span, total, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("content-range %q: missing size", v)
	}
	first, last, ok := strings.Cut(span, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("content-range %q: invalid span", v)
	}
	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("content-range %q: %w", v, err)
	}
	if end, err = strconv.ParseInt(last, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("content-range %q: %w", v, err)
	}
	if size, err = strconv.ParseInt(total, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("content-range %q: %w", v, err)
	}
	if start > end || end >= size {
		return 0, 0, 0, fmt.Errorf("content-range %q: inconsistent", v)
	}
	return start, end, size, nil
}

func emptyPayloadHash() string {
	sum := sha256.Sum256(nil)
	return hex.EncodeToString(sum[:])
}

// OSSConfig describes the parameters for Aliyun OSS.
type OSSConfig struct {
	RemoteConfig
	AccessKey string
	SecretKey string
}

// NewOSSStore builds a RemoteStore for Aliyun OSS.
func NewOSSStore(cfg OSSConfig) (*RemoteStore, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("oss store requires access key and secret key")
	}
	signer := &ossSigner{
		accessKey: cfg.AccessKey,
		secretKey: cfg.SecretKey,
	}
	return NewRemoteStore(cfg.RemoteConfig, signer)
}

// COSConfig describes Tencent COS parameters.
type COSConfig struct {
	RemoteConfig
	AccessKey string
	SecretKey string
}

// NewCOSStore builds a RemoteStore for Tencent COS.
func NewCOSStore(cfg COSConfig) (*RemoteStore, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("cos store requires access key and secret key")
	}
	signer := &cosSigner{
		accessKey: cfg.AccessKey,
		secretKey: cfg.SecretKey,
	}
	return NewRemoteStore(cfg.RemoteConfig, signer)
}

// --- Signer implementations ---

type ossSigner struct {
	accessKey string
	secretKey string
	now       func() time.Time
}

func (o *ossSigner) Sign(req *http.Request, payloadHash string) error {
	if o.now == nil {
		o.now = time.Now
	}
	date := o.now().UTC().Format(http.TimeFormat)
	req.Header.Set("Date", date)
	contentMD5 := req.Header.Get("Content-MD5")
	contentType := req.Header.Get("Content-Type")
	canonicalHeaders := ossCanonicalHeaders(req.Header)
	resource := req.URL.EscapedPath()
	stringToSign := strings.Join([]string{
		req.Method,
		contentMD5,
		contentType,
		date,
		canonicalHeaders + resource,
	}, "\n")
	mac := hmac.New(sha1.New, []byte(o.secretKey))
	mac.Write([]byte(stringToSign))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	req.Header.Set("Authorization", fmt.Sprintf("OSS %s:%s", o.accessKey, signature))
	return nil
}

type cosSigner struct {
	accessKey string
	secretKey string
	now       func() time.Time
}

func (c *cosSigner) Sign(req *http.Request, payloadHash string) error {
	if c.now == nil {
		c.now = time.Now
	}
	now := c.now()
	start := now.Add(-1 * time.Minute).Unix()
	end := now.Add(15 * time.Minute).Unix()
	signTime := fmt.Sprintf("%d;%d", start, end)
	headerList, canonicalHeaders := cosCanonicalHeaders(req.Header)
	queryList, canonicalQuery := cosCanonicalQuery(req.URL)
	path := req.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	httpString := strings.Join([]string{
		strings.ToLower(req.Method),
		path,
		canonicalQuery,
		canonicalHeaders,
	}, "\n")
	httpHash := sha1.Sum([]byte(httpString))
	stringToSign := fmt.Sprintf("sha1\n%s\n%x\n", signTime, httpHash)
	signKey := hmacSHA1([]byte(c.secretKey), signTime)
	signature := hmacSHA1(signKey, stringToSign)
	auth := fmt.Sprintf("q-sign-algorithm=sha1&q-ak=%s&q-sign-time=%s&q-key-time=%s&q-header-list=%s&q-url-param-list=%s&q-signature=%s",
		c.accessKey, signTime, signTime, headerList, queryList, hex.EncodeToString(signature))
	req.Header.Set("Authorization", auth)
	return nil
}

func ossCanonicalHeaders(h http.Header) string {
	type kv struct {
		key   string
		value string
	}
	var headers []kv
	for k, v := range h {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, "x-oss-") {
			headers = append(headers, kv{key: lk, value: strings.Join(v, ",")})
		}
	}
	sort.Slice(headers, func(i, j int) bool {
		return headers[i].key < headers[j].key
	})
	var b strings.Builder
	for _, header := range headers {
		fmt.Fprintf(&b, "%s:%s\n", header.key, header.value)
	}
	return b.String()
}

func cosCanonicalHeaders(h http.Header) (string, string) {
	var keys []string
	values := make(map[string][]string)
	for k, v := range h {
		lk := strings.ToLower(k)
		keys = append(keys, lk)
		values[lk] = append([]string(nil), v...)
	}
	sort.Strings(keys)
	keys = unique(keys)
	var parts []string
	for _, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		joined := url.QueryEscape(strings.Join(vs, ","))
		parts = append(parts, fmt.Sprintf("%s=%s", k, joined))
	}
	return strings.Join(keys, ";"), strings.Join(parts, "&")
}

func cosCanonicalQuery(u *url.URL) (string, string) {
	if u.RawQuery == "" {
		return "", ""
	}
	raw := u.Query()
	keys := make([]string, 0, len(raw))
	values := make(map[string][]string)
	for k, v := range raw {
		lk := strings.ToLower(k)
		keys = append(keys, lk)
		values[lk] = append([]string(nil), v...)
	}
	sort.Strings(keys)
	keys = unique(keys)
	var parts []string
	for _, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, fmt.Sprintf("%s=%s", k, url.QueryEscape(v)))
		}
	}
	return strings.Join(keys, ";"), strings.Join(parts, "&")
}

func unique(in []string) []string {
	if len(in) == 0 {
		return in
	}
	out := []string{in[0]}
	for i := 1; i < len(in); i++ {
		if in[i] != in[i-1] {
			out = append(out, in[i])
		}
	}
	return out
}

func hmacSHA1(key []byte, data string) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}
