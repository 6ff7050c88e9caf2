// Package credentials implements the Credentials Backend (spec §4.1): a
// single encrypted bundle of R2 credentials, sealed at rest with the
// per-device key under infrastructure/crypto's envelope scheme.
package credentials

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/timspizza/swiftpan/infrastructure/crypto"
	"github.com/timspizza/swiftpan/infrastructure/errors"
	"github.com/timspizza/swiftpan/internal/objectstore"
)

const (
	vaultFileName     = "vault.sp"
	vaultMetaFileName = "vault.meta.json"
	deviceKeyFileName = "device.key"
	deviceKeySize     = 32
	envelopeInfo      = "swiftpan.credentials.v1"
	envelopeSubject   = "vault"
	defaultRegion     = "auto"
)

// Bundle is the credential bundle persisted to vault.sp (spec §3).
type Bundle struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Bucket          string `json:"bucket"`
	Region          string `json:"region"`
}

// SetRequest is the payload for the `backend_credentials_set` command.
// MasterPassword is a legacy field accepted for backward compatibility with
// older clients; it is parsed but never persisted or used for key
// derivation (spec §9 Open Question 4).
type SetRequest struct {
	Endpoint        string  `json:"endpoint"`
	AccessKeyID     string  `json:"access_key_id"`
	SecretAccessKey string  `json:"secret_access_key"`
	Bucket          string  `json:"bucket"`
	Region          string  `json:"region,omitempty"`
	MasterPassword  *string `json:"master_password,omitempty"`
}

// PatchRequest carries optional fields to merge onto the existing bundle.
type PatchRequest struct {
	Endpoint        *string `json:"endpoint,omitempty"`
	AccessKeyID     *string `json:"access_key_id,omitempty"`
	SecretAccessKey *string `json:"secret_access_key,omitempty"`
	Bucket          *string `json:"bucket,omitempty"`
	Region          *string `json:"region,omitempty"`
	MasterPassword  *string `json:"master_password,omitempty"`
}

// Status reports whether a vault currently exists, for the
// `backend_credentials_status` UI command.
type Status struct {
	Configured bool      `json:"configured"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// RedactedView masks secret-bearing fields for display and logging (spec §7
// Redaction, SPEC_FULL.md Supplemented Feature #2).
type RedactedView struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Bucket          string `json:"bucket"`
	Region          string `json:"region"`
}

type vaultMeta struct {
	UpdatedAt time.Time `json:"updated_at"`
}

// Backend is the on-disk Credentials Backend rooted at a data directory. It
// keeps a process-lifetime in-memory copy of the decrypted bundle (spec
// §4.1's get()) and, when a store cache is attached, invalidates that
// cache's stale client on every credential change.
type Backend struct {
	dataDir   string
	deviceKey []byte

	storeCache *objectstore.Cache

	bundleMu     sync.Mutex
	bundle       Bundle
	bundleCached bool
}

// NewBackend loads (or creates, on first run) the per-device key and returns
// a ready Backend rooted at dataDir.
func NewBackend(dataDir string) (*Backend, error) {
	key, err := loadOrCreateDeviceKey(filepath.Join(dataDir, deviceKeyFileName))
	if err != nil {
		return nil, err
	}
	return &Backend{dataDir: dataDir, deviceKey: key}, nil
}

// AttachStoreCache wires the object-store client cache that Set/Patch
// invalidate on every credential change (spec §4.1's "emits a
// cache-invalidation signal to the object-store client cache"). Optional:
// a Backend with no attached cache simply skips the signal.
func (b *Backend) AttachStoreCache(cache *objectstore.Cache) {
	b.storeCache = cache
}

func loadOrCreateDeviceKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != deviceKeySize {
			return nil, errors.NotRetriable("device key has unexpected length", nil).
				WithContext("path", path)
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.NotRetriable("read device key", err).WithContext("path", path)
	}

	key := make([]byte, deviceKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.NotRetriable("generate device key", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, errors.NotRetriable("persist device key", err).WithContext("path", path)
	}
	return key, nil
}

func (b *Backend) vaultPath() string { return filepath.Join(b.dataDir, vaultFileName) }
func (b *Backend) metaPath() string  { return filepath.Join(b.dataDir, vaultMetaFileName) }

// Status implements `backend_credentials_status`.
func (b *Backend) Status() (Status, error) {
	info, err := os.Stat(b.vaultPath())
	if err != nil {
		if os.IsNotExist(err) {
			return Status{Configured: false}, nil
		}
		return Status{}, errors.NotRetriable("stat vault", err)
	}
	meta, err := b.readMeta()
	if err != nil {
		return Status{Configured: true, UpdatedAt: info.ModTime()}, nil
	}
	return Status{Configured: true, UpdatedAt: meta.UpdatedAt}, nil
}

// Set implements `backend_credentials_set`: validates and persists a full
// bundle, overwriting any existing one.
func (b *Backend) Set(req SetRequest) error {
	bundle := Bundle{
		Endpoint:        SanitizeEndpoint(req.Endpoint),
		AccessKeyID:     strings.TrimSpace(req.AccessKeyID),
		SecretAccessKey: req.SecretAccessKey,
		Bucket:          strings.TrimSpace(req.Bucket),
		Region:          strings.TrimSpace(req.Region),
	}
	if bundle.Region == "" {
		bundle.Region = defaultRegion
	}
	if err := validateBundle(bundle); err != nil {
		return err
	}
	return b.write(bundle)
}

// Patch implements `backend_credentials_patch`: merges the given fields onto
// the existing bundle and re-persists it.
func (b *Backend) Patch(req PatchRequest) error {
	bundle, err := b.Get()
	if err != nil {
		return err
	}
	if req.Endpoint != nil {
		bundle.Endpoint = SanitizeEndpoint(*req.Endpoint)
	}
	if req.AccessKeyID != nil {
		bundle.AccessKeyID = strings.TrimSpace(*req.AccessKeyID)
	}
	if req.SecretAccessKey != nil {
		bundle.SecretAccessKey = *req.SecretAccessKey
	}
	if req.Bucket != nil {
		bundle.Bucket = strings.TrimSpace(*req.Bucket)
	}
	if req.Region != nil {
		r := strings.TrimSpace(*req.Region)
		if r == "" {
			r = defaultRegion
		}
		bundle.Region = r
	}
	if err := validateBundle(bundle); err != nil {
		return err
	}
	return b.write(bundle)
}

// Get implements `backend_credentials_get`: returns the in-memory bundle
// when one is already cached; on a cache miss, lazily decrypts it from disk
// and populates the cache (spec §4.1).
func (b *Backend) Get() (Bundle, error) {
	b.bundleMu.Lock()
	defer b.bundleMu.Unlock()

	if b.bundleCached {
		return b.bundle, nil
	}

	bundle, err := b.readFromDisk()
	if err != nil {
		return Bundle{}, err
	}
	b.bundle = bundle
	b.bundleCached = true
	return bundle, nil
}

func (b *Backend) readFromDisk() (Bundle, error) {
	ciphertext, err := os.ReadFile(b.vaultPath())
	if err != nil {
		if os.IsNotExist(err) {
			return Bundle{}, errors.NotRetriable("no credentials configured", nil)
		}
		return Bundle{}, errors.NotRetriable("read vault", err)
	}

	plaintext, err := crypto.DecryptEnvelope(b.deviceKey, []byte(envelopeSubject), envelopeInfo, ciphertext)
	if err != nil {
		return Bundle{}, errors.RetryableAuth("decrypt credentials vault", err)
	}

	var bundle Bundle
	if err := json.Unmarshal(plaintext, &bundle); err != nil {
		return Bundle{}, errors.NotRetriable("parse decrypted vault", err)
	}
	return bundle, nil
}

// write persists bundle, then refreshes the in-memory cache and invalidates
// the object-store client cached under the bundle it replaces (spec §4.1).
func (b *Backend) write(bundle Bundle) error {
	plaintext, err := json.Marshal(bundle)
	if err != nil {
		return errors.NotRetriable("marshal bundle", err)
	}

	ciphertext, err := crypto.EncryptEnvelope(b.deviceKey, []byte(envelopeSubject), envelopeInfo, plaintext)
	if err != nil {
		return errors.RetryableAuth("encrypt credentials vault", err)
	}

	if err := os.MkdirAll(b.dataDir, 0o700); err != nil {
		return errors.NotRetriable("create data dir", err)
	}
	if err := os.WriteFile(b.vaultPath(), ciphertext, 0o600); err != nil {
		return errors.NotRetriable("write vault", err)
	}

	meta := vaultMeta{UpdatedAt: time.Now().UTC()}
	metaBytes, err := json.Marshal(meta)
	if err == nil {
		_ = os.WriteFile(b.metaPath(), metaBytes, 0o600)
	}

	b.bundleMu.Lock()
	previous := b.bundle
	hadPrevious := b.bundleCached
	b.bundle = bundle
	b.bundleCached = true
	b.bundleMu.Unlock()

	if hadPrevious && b.storeCache != nil {
		b.storeCache.Invalidate(objectstoreConfig(previous))
	}
	return nil
}

func objectstoreConfig(bundle Bundle) objectstore.Config {
	return objectstore.Config{
		Endpoint:        bundle.Endpoint,
		AccessKeyID:     bundle.AccessKeyID,
		SecretAccessKey: bundle.SecretAccessKey,
		Bucket:          bundle.Bucket,
		Region:          bundle.Region,
	}
}

func (b *Backend) readMeta() (vaultMeta, error) {
	data, err := os.ReadFile(b.metaPath())
	if err != nil {
		return vaultMeta{}, err
	}
	var meta vaultMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return vaultMeta{}, err
	}
	return meta, nil
}

// SanitizeEndpoint truncates at the first `#` or `?`, strips any path
// component, and trims trailing slashes (spec §4.1).
func SanitizeEndpoint(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.IndexAny(s, "#?"); i >= 0 {
		s = s[:i]
	}

	scheme := ""
	rest := s
	if idx := strings.Index(s, "://"); idx >= 0 {
		scheme = s[:idx+3]
		rest = s[idx+3:]
	}
	if i := strings.Index(rest, "/"); i >= 0 {
		rest = rest[:i]
	}
	s = scheme + rest

	return strings.TrimRight(s, "/")
}

func validateBundle(b Bundle) error {
	if b.Endpoint == "" {
		return errors.NotRetriable("endpoint is required", nil)
	}
	if b.AccessKeyID == "" {
		return errors.NotRetriable("access_key_id is required", nil)
	}
	if b.SecretAccessKey == "" {
		return errors.NotRetriable("secret_access_key is required", nil)
	}
	if b.Bucket == "" {
		return errors.NotRetriable("bucket is required", nil)
	}
	return nil
}

// Redacted masks secret-bearing fields: the endpoint's account segment is
// replaced outright, and the access key, secret key, and bucket are reduced
// to their first four characters padded with `*` to the original length
// (SPEC_FULL.md Supplemented Feature #2).
func Redacted(b Bundle) RedactedView {
	return RedactedView{
		Endpoint:        redactEndpointAccount(b.Endpoint),
		AccessKeyID:     maskKeepPrefix(b.AccessKeyID),
		SecretAccessKey: maskKeepPrefix(b.SecretAccessKey),
		Bucket:          maskKeepPrefix(b.Bucket),
		Region:          b.Region,
	}
}

func maskKeepPrefix(s string) string {
	if s == "" {
		return ""
	}
	const prefixLen = 4
	if len(s) <= prefixLen {
		return strings.Repeat("*", len(s))
	}
	return s[:prefixLen] + strings.Repeat("*", len(s)-prefixLen)
}

// redactEndpointAccount masks the account-ID segment of an R2 endpoint
// (`https://<account>.r2.cloudflarestorage.com`) while leaving the rest of
// the host visible, since the account ID is the sensitive part.
func redactEndpointAccount(endpoint string) string {
	scheme := ""
	rest := endpoint
	if idx := strings.Index(endpoint, "://"); idx >= 0 {
		scheme = endpoint[:idx+3]
		rest = endpoint[idx+3:]
	}
	parts := strings.SplitN(rest, ".", 2)
	if len(parts) != 2 {
		return fmt.Sprintf("%s*****", scheme)
	}
	return fmt.Sprintf("%s*****.%s", scheme, parts[1])
}
