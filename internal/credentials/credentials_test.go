package credentials

import (
	"os"
	"testing"

	"github.com/timspizza/swiftpan/infrastructure/errors"
	"github.com/timspizza/swiftpan/internal/objectstore"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := NewBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}
	return b
}

func sampleSetRequest() SetRequest {
	return SetRequest{
		Endpoint:        "https://abc123.r2.cloudflarestorage.com",
		AccessKeyID:     "AKIAEXAMPLE",
		SecretAccessKey: "supersecretvalue",
		Bucket:          "swiftpan-bucket",
	}
}

func TestStatusReportsUnconfiguredInitially(t *testing.T) {
	b := newTestBackend(t)
	status, err := b.Status()
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.Configured {
		t.Error("expected Configured = false before Set")
	}
}

func TestSetThenGetRoundTrips(t *testing.T) {
	b := newTestBackend(t)
	if err := b.Set(sampleSetRequest()); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	status, err := b.Status()
	if err != nil || !status.Configured {
		t.Fatalf("Status() = %+v, err = %v, want Configured", status, err)
	}

	got, err := b.Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.AccessKeyID != "AKIAEXAMPLE" || got.Bucket != "swiftpan-bucket" {
		t.Errorf("Get() = %+v", got)
	}
	if got.Region != defaultRegion {
		t.Errorf("Region = %q, want default %q", got.Region, defaultRegion)
	}
}

func TestSetRejectsMissingFields(t *testing.T) {
	b := newTestBackend(t)
	req := sampleSetRequest()
	req.Bucket = ""

	err := b.Set(req)
	if err == nil {
		t.Fatal("expected an error for missing bucket")
	}
	if !errors.Is(err, errors.KindNotRetriable) {
		t.Errorf("error kind = %v, want NotRetriable", errors.As(err))
	}
}

func TestPatchMergesOntoExistingBundle(t *testing.T) {
	b := newTestBackend(t)
	if err := b.Set(sampleSetRequest()); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	newBucket := "renamed-bucket"
	if err := b.Patch(PatchRequest{Bucket: &newBucket}); err != nil {
		t.Fatalf("Patch() error = %v", err)
	}

	got, err := b.Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Bucket != newBucket {
		t.Errorf("Bucket = %q, want %q", got.Bucket, newBucket)
	}
	if got.AccessKeyID != "AKIAEXAMPLE" {
		t.Errorf("unrelated field AccessKeyID mutated: %q", got.AccessKeyID)
	}
}

func TestMasterPasswordIsAcceptedAndIgnored(t *testing.T) {
	b := newTestBackend(t)
	pw := "legacy-password"
	req := sampleSetRequest()
	req.MasterPassword = &pw

	if err := b.Set(req); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := b.Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.AccessKeyID != "AKIAEXAMPLE" {
		t.Errorf("unexpected bundle contents: %+v", got)
	}
}

func TestGetServesInMemoryCacheWithoutRereadingDisk(t *testing.T) {
	b := newTestBackend(t)
	if err := b.Set(sampleSetRequest()); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	first, err := b.Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if err := os.Remove(b.vaultPath()); err != nil {
		t.Fatalf("removing vault file = %v", err)
	}

	second, err := b.Get()
	if err != nil {
		t.Fatalf("Get() after vault file removed = %v, want the in-memory cache to serve it", err)
	}
	if second != first {
		t.Errorf("Get() = %+v, want unchanged cached bundle %+v", second, first)
	}
}

func TestSetInvalidatesPreviousBundlesObjectStoreCacheEntry(t *testing.T) {
	b := newTestBackend(t)
	if err := b.Set(sampleSetRequest()); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	cache := objectstore.NewCache(nil, nil)
	b.AttachStoreCache(cache)

	oldBundle, err := b.Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	oldCfg := objectstore.Config{
		Endpoint:        oldBundle.Endpoint,
		AccessKeyID:     oldBundle.AccessKeyID,
		SecretAccessKey: oldBundle.SecretAccessKey,
		Bucket:          oldBundle.Bucket,
		Region:          oldBundle.Region,
	}

	before, err := cache.Get(oldCfg)
	if err != nil {
		t.Fatalf("cache.Get() before invalidation error = %v", err)
	}

	newBucket := "renamed-bucket"
	if err := b.Patch(PatchRequest{Bucket: &newBucket}); err != nil {
		t.Fatalf("Patch() error = %v", err)
	}

	after, err := cache.Get(oldCfg)
	if err != nil {
		t.Fatalf("cache.Get() after invalidation error = %v", err)
	}
	if before == after {
		t.Error("cache.Get() returned the same client after Patch; want the old config's entry invalidated")
	}
}

func TestGetBeforeSetIsNotRetriable(t *testing.T) {
	b := newTestBackend(t)
	_, err := b.Get()
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errors.Is(err, errors.KindNotRetriable) {
		t.Errorf("error kind = %v, want NotRetriable", errors.As(err))
	}
}

func TestDeviceKeyPersistsAcrossBackendInstances(t *testing.T) {
	dir := t.TempDir()
	b1, err := NewBackend(dir)
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}
	if err := b1.Set(sampleSetRequest()); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	b2, err := NewBackend(dir)
	if err != nil {
		t.Fatalf("second NewBackend() error = %v", err)
	}
	got, err := b2.Get()
	if err != nil {
		t.Fatalf("Get() from second backend error = %v", err)
	}
	if got.Bucket != "swiftpan-bucket" {
		t.Errorf("Get() = %+v", got)
	}
}

func TestSanitizeEndpointStripsQueryFragmentAndPath(t *testing.T) {
	cases := map[string]string{
		"https://abc.r2.cloudflarestorage.com":            "https://abc.r2.cloudflarestorage.com",
		"https://abc.r2.cloudflarestorage.com/":           "https://abc.r2.cloudflarestorage.com",
		"https://abc.r2.cloudflarestorage.com/bucket/key":  "https://abc.r2.cloudflarestorage.com",
		"https://abc.r2.cloudflarestorage.com?x=1":        "https://abc.r2.cloudflarestorage.com",
		"https://abc.r2.cloudflarestorage.com#frag":       "https://abc.r2.cloudflarestorage.com",
		"https://abc.r2.cloudflarestorage.com///":         "https://abc.r2.cloudflarestorage.com",
	}
	for input, want := range cases {
		if got := SanitizeEndpoint(input); got != want {
			t.Errorf("SanitizeEndpoint(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestRedactedMasksSecretsButKeepsRegionAndHost(t *testing.T) {
	bundle := Bundle{
		Endpoint:        "https://abc123.r2.cloudflarestorage.com",
		AccessKeyID:     "AKIAEXAMPLE",
		SecretAccessKey: "supersecretvalue",
		Bucket:          "swiftpan-bucket",
		Region:          "auto",
	}
	view := Redacted(bundle)

	if view.Endpoint != "https://*****.r2.cloudflarestorage.com" {
		t.Errorf("Endpoint = %q", view.Endpoint)
	}
	if view.AccessKeyID != "AKIA*******" {
		t.Errorf("AccessKeyID = %q", view.AccessKeyID)
	}
	if view.Region != "auto" {
		t.Errorf("Region = %q, want unmasked auto", view.Region)
	}
}

func TestRedactedMasksShortStringsEntirely(t *testing.T) {
	view := Redacted(Bundle{AccessKeyID: "ab", Region: "auto"})
	if view.AccessKeyID != "**" {
		t.Errorf("AccessKeyID = %q, want fully masked", view.AccessKeyID)
	}
}
