package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeSecretClient struct {
	mu     sync.Mutex
	values map[string]string
	errors map[string]error
	calls  map[string]int
}

func newFakeSecretClient() *fakeSecretClient {
	return &fakeSecretClient{
		values: map[string]string{},
		errors: map[string]error{},
		calls:  map[string]int{},
	}
}

func (f *fakeSecretClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.GetName()]++
	if err := f.errors[req.GetName()]; err != nil {
		return nil, err
	}
	value, ok := f.values[req.GetName()]
	if !ok {
		return nil, status.Error(codes.NotFound, "not found")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Name:    req.GetName(),
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
	}, nil
}

func (f *fakeSecretClient) Close() error { return nil }

func (f *fakeSecretClient) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func TestResolveSecretCachesRemoteValue(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	resource := "projects/test/secrets/pin_pepper/versions/latest"
	client.values[resource] = "remote-pepper"

	fetcher, err := NewFetcher(ctx, withClient(client), WithDefaultProject("test"), WithFallbackFile(""))
	require.NoError(t, err)
	defer fetcher.Close()

	for i := 0; i < 2; i++ {
		got, err := fetcher.ResolveSecret(ctx, "secret://pin_pepper")
		require.NoError(t, err)
		require.Equal(t, "remote-pepper", got)
	}
	require.Equal(t, 1, client.callCount(resource))
}

func TestResolveSecretHonoursVersionAndProject(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.values["projects/other/secrets/pin_pepper/versions/3"] = "pinned"

	fetcher, err := NewFetcher(ctx, withClient(client), WithDefaultProject("test"), WithFallbackFile(""))
	require.NoError(t, err)

	got, err := fetcher.ResolveSecret(ctx, "secret://pin_pepper?version=3&project=other")
	require.NoError(t, err)
	require.Equal(t, "pinned", got)
}

func TestResolveSecretFallsBackWhenUnavailable(t *testing.T) {
	ctx := context.Background()
	fallbackPath := filepath.Join(t.TempDir(), ".secrets.local")
	require.NoError(t, os.WriteFile(fallbackPath, []byte("# local values\nsm://pin_pepper=local-pepper\naudit_salt = salty\n"), 0o600))

	client := newFakeSecretClient()
	client.errors["projects/test/secrets/pin_pepper/versions/latest"] = status.Error(codes.PermissionDenied, "denied")

	fetcher, err := NewFetcher(ctx, withClient(client), WithDefaultProject("test"), WithFallbackFile(fallbackPath))
	require.NoError(t, err)

	got, err := fetcher.ResolveSecret(ctx, "secret://pin_pepper")
	require.NoError(t, err)
	require.Equal(t, "local-pepper", got)

	// No project configured: fallback only, keyed by bare name.
	offline, err := NewFetcher(ctx, WithFallbackFile(fallbackPath))
	require.NoError(t, err)
	got, err = offline.ResolveSecret(ctx, "secret://audit_salt")
	require.NoError(t, err)
	require.Equal(t, "salty", got)
}

func TestResolveSecretPropagatesHardErrors(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()

	fetcher, err := NewFetcher(ctx, withClient(client), WithDefaultProject("test"), WithFallbackFile(""))
	require.NoError(t, err)

	_, err = fetcher.ResolveSecret(ctx, "secret://missing")
	require.Error(t, err)
	require.Equal(t, codes.NotFound, status.Code(errors.Unwrap(err)))

	_, err = fetcher.ResolveSecret(ctx, "https://example.com/secret")
	require.ErrorContains(t, err, "unsupported scheme")
}

func TestNewFetcherFromEnvReadsFallbackFile(t *testing.T) {
	ctx := context.Background()
	fallbackPath := filepath.Join(t.TempDir(), "secrets.env")
	require.NoError(t, os.WriteFile(fallbackPath, []byte("pin_pepper=from-file\n"), 0o600))

	fetcher, err := NewFetcherFromEnv(ctx, nil, map[string]string{
		"MARKDOWN_SECRET_FALLBACK_FILE": " " + fallbackPath + " ",
	})
	require.NoError(t, err)
	defer fetcher.Close()

	require.Empty(t, fetcher.projectID)
	got, err := fetcher.ResolveSecret(ctx, "secret://pin_pepper")
	require.NoError(t, err)
	require.Equal(t, "from-file", got)
}
