// Package media relocates provider-hosted attachments and avatars into
// durable storage. Relocation never fails its caller: any error degrades to
// an empty URL.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-inbox/pkg/logger"
	"github.com/capitalize-ai/whatsapp-inbox/pkg/metrics"
	"github.com/capitalize-ai/whatsapp-inbox/pkg/tracing"
)

// Namespace partitions stored objects by purpose.
type Namespace string

const (
	NamespaceChat   Namespace = "chat"
	NamespaceAvatar Namespace = "avatar"
)

const (
	// DefaultFetchTimeout bounds one download.
	DefaultFetchTimeout = 30 * time.Second
	// MaxAssetBytes caps a single download.
	MaxAssetBytes = 64 << 20
)

// Relocator is the surface the contact and ingestion services depend on.
type Relocator interface {
	Relocate(ctx context.Context, remoteURL, credential string, ns Namespace, tenantID string) string
}

// Pipeline downloads remote media and re-uploads it to a BlobStore.
type Pipeline struct {
	client          *resty.Client
	blobs           BlobStore
	log             *logger.Logger
	now             func() time.Time
	maxBytes        int
	credentialHosts []string
}

var _ Relocator = (*Pipeline)(nil)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMaxBytes overrides MaxAssetBytes.
func WithMaxBytes(n int) Option {
	return func(p *Pipeline) { p.maxBytes = n }
}

// WithCredentialHosts lists the hosts that receive the fetch credential.
// Hosts may carry a port. Without any, downloads are never authenticated.
func WithCredentialHosts(hosts ...string) Option {
	return func(p *Pipeline) {
		for _, h := range hosts {
			if h = strings.TrimSpace(h); h != "" {
				p.credentialHosts = append(p.credentialHosts, h)
			}
		}
	}
}

// NewPipeline creates a pipeline with the given download timeout.
func NewPipeline(blobs BlobStore, timeout time.Duration, log *logger.Logger, opts ...Option) *Pipeline {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	if log == nil {
		log = logger.NewNop()
	}
	p := &Pipeline{
		blobs:    blobs,
		log:      log.Named("media"),
		now:      time.Now,
		maxBytes: MaxAssetBytes,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.client = resty.New().
		SetTimeout(timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5)).
		SetResponseBodyLimit(p.maxBytes).
		SetHeader("Accept", "*/*")
	return p
}

// credentialFor reports whether remoteURL's host may see the credential.
func (p *Pipeline) credentialFor(remoteURL string) bool {
	u, err := url.Parse(remoteURL)
	if err != nil || u.Host == "" {
		return false
	}
	for _, h := range p.credentialHosts {
		if strings.EqualFold(u.Host, h) || strings.EqualFold(u.Hostname(), h) {
			return true
		}
	}
	return false
}

// Relocate fetches remoteURL with credential as bearer token and stores the
// bytes under ns. It returns the durable URL, or "" on any failure.
func (p *Pipeline) Relocate(ctx context.Context, remoteURL, credential string, ns Namespace, tenantID string) string {
	remoteURL = strings.TrimSpace(remoteURL)
	if remoteURL == "" {
		return ""
	}

	ctx, span := tracing.Tracer("media").Start(ctx, "media.relocate")
	defer span.End()
	span.SetAttributes(attribute.String("media.namespace", string(ns)), attribute.String("tenant_id", tenantID))

	log := p.log.With(zap.String("namespace", string(ns)), zap.String("tenant_id", tenantID))

	body, contentType, disposition, err := p.fetch(ctx, remoteURL, credential)
	if err != nil {
		log.Warn("media fetch failed", zap.Error(err))
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordMedia(string(ns), "fetch_error")
		return ""
	}

	mimeType := baseMIME(contentType)
	now := p.now()
	name := Filename(disposition, mimeType, now)
	key := ObjectKey(ns, tenantID, name, now)

	if err := p.blobs.Put(ctx, key, bytes.NewReader(body), mimeType); err != nil {
		log.Warn("media upload failed", zap.String("key", key), zap.Error(err))
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordMedia(string(ns), "upload_error")
		return ""
	}

	metrics.RecordMedia(string(ns), "stored")
	log.Debug("media relocated", zap.String("key", key), zap.String("mime", mimeType), zap.Int("bytes", len(body)))
	return p.blobs.URL(key)
}

func (p *Pipeline) fetch(ctx context.Context, remoteURL, credential string) ([]byte, string, string, error) {
	req := p.client.R().SetContext(ctx)
	if credential != "" && p.credentialFor(remoteURL) {
		req.SetAuthToken(credential)
	}
	resp, err := req.Get(remoteURL)
	if errors.Is(err, resty.ErrResponseBodyTooLarge) {
		return nil, "", "", fmt.Errorf("%w: over %d bytes", ErrAssetTooLarge, p.maxBytes)
	}
	if err != nil {
		return nil, "", "", fmt.Errorf("get %s: %w", redact(remoteURL), err)
	}
	if resp.IsError() {
		return nil, "", "", fmt.Errorf("%w: status %d", ErrFetchFailed, resp.StatusCode())
	}
	body := resp.Body()
	return body, resp.Header().Get("Content-Type"), resp.Header().Get("Content-Disposition"), nil
}

// Filename derives a safe object filename from a Content-Disposition header,
// falling back to the unix-millis timestamp. The MIME extension is appended
// when the name has none.
func Filename(disposition, mimeType string, now time.Time) string {
	name := ""
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			name = params["filename"]
		}
	}
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" {
		name = ""
	}
	if name == "" {
		name = strconv.FormatInt(now.UnixMilli(), 10)
	}
	if path.Ext(name) == "" {
		name += ExtensionForMIME(mimeType)
	}
	return Sanitize(name)
}

// ObjectKey builds a collision-resistant key: <ns>/<tenant>/<unix-nanos>-<uuid8>-<name>.
func ObjectKey(ns Namespace, tenantID, name string, now time.Time) string {
	tenant := Sanitize(tenantID)
	if tenant == "" {
		tenant = "_"
	}
	return fmt.Sprintf("%s/%s/%d-%s-%s", ns, tenant, now.UnixNano(), uuid.NewString()[:8], name)
}

// Sanitize replaces every character outside [A-Za-z0-9.-] with '_'.
func Sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// redact drops the query string, which often carries provider tokens.
func redact(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}
