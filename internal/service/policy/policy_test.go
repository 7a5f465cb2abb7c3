package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/splax/deploygate/internal/domain"
)

const sample = `
default_require_approval: false
preview_require_approval: true
rollback_require_approval: false
applications:
  billing:
    require_approval: true
  app-relaxed:
    require_approval: false
`

func TestRequiresApprovalPrecedence(t *testing.T) {
	svc, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ctx := context.Background()

	cases := []struct {
		name string
		app  domain.Application
		req  domain.DeploymentRequest
		want bool
	}{
		{"plain deploy", domain.Application{ID: "app-1", Name: "web"}, domain.DeploymentRequest{}, false},
		{"override by name", domain.Application{ID: "app-2", Name: "billing"}, domain.DeploymentRequest{}, true},
		{"override beats record", domain.Application{ID: "app-relaxed", RequireApproval: true}, domain.DeploymentRequest{}, false},
		{"record requires", domain.Application{ID: "app-3", RequireApproval: true}, domain.DeploymentRequest{}, true},
		{"preview", domain.Application{ID: "app-1"}, domain.DeploymentRequest{PullRequestID: 7}, true},
		{"rollback of gated application", domain.Application{ID: "app-2", Name: "billing"}, domain.DeploymentRequest{IsRollback: true}, true},
		{"rollback of gated record", domain.Application{ID: "app-4", RequireApproval: true}, domain.DeploymentRequest{IsRollback: true}, true},
		{"rollback of open application", domain.Application{ID: "app-1", Name: "web"}, domain.DeploymentRequest{IsRollback: true}, false},
		{"preview of gated application", domain.Application{ID: "app-2", Name: "billing"}, domain.DeploymentRequest{PullRequestID: 3}, true},
		{"preview of relaxed application", domain.Application{ID: "app-relaxed", RequireApproval: true}, domain.DeploymentRequest{PullRequestID: 3}, true},
		{"pre-approved", domain.Application{ID: "app-2", Name: "billing"}, domain.DeploymentRequest{PreApproved: true}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := svc.RequiresApproval(ctx, tc.app, tc.req); got != tc.want {
				t.Fatalf("RequiresApproval = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestLoadAndReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("default_require_approval: true\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	svc, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	app := domain.Application{ID: "app"}
	if !svc.RequiresApproval(context.Background(), app, domain.DeploymentRequest{}) {
		t.Fatalf("expected file default to require approval")
	}

	if err := os.WriteFile(path, []byte("default_require_approval: [oops"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := svc.Reload(); err == nil {
		t.Fatalf("expected reload error for malformed yaml")
	}
	if !svc.RequiresApproval(context.Background(), app, domain.DeploymentRequest{}) {
		t.Fatalf("expected previous policy to remain active")
	}
}

func TestLoadWithoutFileFollowsApplicationRecord(t *testing.T) {
	svc, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if svc.RequiresApproval(context.Background(), domain.Application{ID: "a"}, domain.DeploymentRequest{}) {
		t.Fatalf("expected no approval by default")
	}
	if !svc.RequiresApproval(context.Background(), domain.Application{ID: "a", RequireApproval: true}, domain.DeploymentRequest{}) {
		t.Fatalf("expected application record to require approval")
	}
}
