package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hanko-field/markdown-authz/internal/di"
	domain "github.com/hanko-field/markdown-authz/internal/domain"
	"github.com/hanko-field/markdown-authz/internal/platform/config"
	"github.com/hanko-field/markdown-authz/internal/repositories"
	"github.com/hanko-field/markdown-authz/internal/repositories/memory"
	"github.com/hanko-field/markdown-authz/internal/services"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type testCLI struct {
	*cli
	out  *bytes.Buffer
	repo *memory.ManagerRepository
}

func newTestCLI(t *testing.T, backend string, stdin string) *testCLI {
	t.Helper()
	out := &bytes.Buffer{}
	repo := memory.NewManagerRepository()
	cfg := config.Config{
		Security: config.SecurityConfig{PINPepper: "pepper"},
		Markdown: config.MarkdownConfig{VerifierBackend: backend, MinPINLength: 4},
	}
	return &testCLI{
		cli: &cli{
			stdin:  strings.NewReader(stdin),
			stdout: out,
			stderr: io.Discard,
			logger: zap.NewNop(),
			loadConfig: func(context.Context, *zap.Logger) (config.Config, error) {
				return cfg, nil
			},
			openDirectory: func(config.Config) (repositories.ManagerRepository, io.Closer, error) {
				return repo, nopCloser{}, nil
			},
			promptPIN: func(io.Writer) (string, error) {
				return "", errors.New("no terminal")
			},
		},
		out:  out,
		repo: repo,
	}
}

func TestHashPINPrintsUsableSeedEntry(t *testing.T) {
	c := newTestCLI(t, config.VerifierBackendMemory, "2468\n")
	require.NoError(t, c.run(context.Background(), []string{"hash-pin", "--id", "mgr-1", "--tier", "manager", "--name", "Morgan Lee", "--pin-stdin"}))

	entry := strings.TrimSpace(c.out.String())
	require.True(t, strings.HasPrefix(entry, "mgr-1:MANAGER:$2"), entry)
	managers, err := di.ParseSeedManagers([]string{entry})
	require.NoError(t, err)
	require.Len(t, managers, 1)
	require.Equal(t, "Morgan Lee", managers[0].DisplayName)

	verifier, err := services.NewDirectoryVerifier(services.DirectoryVerifierDeps{
		Repository: memory.NewManagerRepository(managers...),
		Pepper:     "pepper",
	})
	require.NoError(t, err)
	got, err := verifier.VerifyCredentials(context.Background(), "mgr-1", "2468")
	require.NoError(t, err)
	require.Equal(t, domain.TierManager, got.Tier)
}

func TestHashPINRejectsBadInput(t *testing.T) {
	cases := map[string][]string{
		"associate tier": {"hash-pin", "--id", "a-1", "--tier", "associate", "--pin-stdin"},
		"colon in id":    {"hash-pin", "--id", "a:1", "--tier", "manager", "--pin-stdin"},
		"short pin":      {"hash-pin", "--id", "a-1", "--tier", "manager", "--pin-stdin"},
		"no terminal":    {"hash-pin", "--id", "a-1", "--tier", "manager"},
	}
	for name, args := range cases {
		c := newTestCLI(t, config.VerifierBackendMemory, "12\n")
		require.Error(t, c.run(context.Background(), args), name)
		require.Empty(t, c.out.String(), name)
	}
}

func TestApproverSetAndDisable(t *testing.T) {
	ctx := context.Background()
	c := newTestCLI(t, config.VerifierBackendFirestore, "8642\n")

	require.NoError(t, c.run(ctx, []string{"approver", "set", "--id", "sup-3", "--tier", "SUPERVISOR", "--name", "Sam", "--store", "store-9,store-4", "--pin-stdin"}))
	require.Contains(t, c.out.String(), "approver sup-3 saved: tier=SUPERVISOR stores=store-9,store-4")

	saved, err := c.repo.FindByID(ctx, "sup-3")
	require.NoError(t, err)
	require.True(t, saved.Active)
	require.Equal(t, []string{"store-9", "store-4"}, saved.StoreIDs)

	require.NoError(t, c.run(ctx, []string{"approver", "set", "--id", "sup-3", "--tier", "manager", "--keep-pin"}))
	promoted, err := c.repo.FindByID(ctx, "sup-3")
	require.NoError(t, err)
	require.Equal(t, domain.TierManager, promoted.Tier)
	require.Equal(t, saved.PINHash, promoted.PINHash)
	require.Equal(t, saved.StoreIDs, promoted.StoreIDs)

	require.NoError(t, c.run(ctx, []string{"approver", "disable", "--id", "sup-3"}))
	disabled, err := c.repo.FindByID(ctx, "sup-3")
	require.NoError(t, err)
	require.False(t, disabled.Active)
}

func TestApproverCommandsNeedFirestoreBackend(t *testing.T) {
	c := newTestCLI(t, config.VerifierBackendMemory, "8642\n")
	err := c.run(context.Background(), []string{"approver", "set", "--id", "mgr-1", "--tier", "manager", "--pin-stdin"})
	require.ErrorContains(t, err, "MARKDOWN_OVERRIDE_VERIFIER=firestore")
}

func TestRunRejectsUnknownSubcommands(t *testing.T) {
	c := newTestCLI(t, config.VerifierBackendMemory, "")
	require.Error(t, c.run(context.Background(), nil))
	require.ErrorContains(t, c.run(context.Background(), []string{"approver", "delete"}), "unknown approver subcommand")
	require.ErrorContains(t, c.run(context.Background(), []string{"rotate"}), "unknown subcommand")
	require.NoError(t, c.run(context.Background(), []string{"help"}))
}
