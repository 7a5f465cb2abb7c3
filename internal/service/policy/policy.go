package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/splax/deploygate/internal/domain"
)

// Document is the on-disk approval policy.
//
//	default_require_approval: false
//	preview_require_approval: false
//	rollback_require_approval: false
//	applications:
//	  billing:
//	    require_approval: true
type Document struct {
	DefaultRequireApproval  bool                         `yaml:"default_require_approval"`
	PreviewRequireApproval  bool                         `yaml:"preview_require_approval"`
	RollbackRequireApproval bool                         `yaml:"rollback_require_approval"`
	Applications            map[string]ApplicationPolicy `yaml:"applications"`
}

// ApplicationPolicy overrides the approval requirement of a single application.
type ApplicationPolicy struct {
	RequireApproval *bool `yaml:"require_approval"`
}

// Service decides whether a request must pass the approval gate.
type Service struct {
	mu   sync.RWMutex
	doc  Document
	path string
}

// New returns a policy with no file; approval then follows the application record.
func New() *Service {
	return &Service{}
}

// Load reads a policy file. An empty path yields the default policy.
func Load(path string) (*Service, error) {
	s := &Service{path: path}
	if path == "" {
		return s, nil
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Parse builds a policy from YAML bytes.
func Parse(data []byte) (*Service, error) {
	doc, err := decode(data)
	if err != nil {
		return nil, err
	}
	return &Service{doc: doc}, nil
}

// Reload re-reads the policy file, keeping the previous document on error.
func (s *Service) Reload() error {
	if s.path == "" {
		return errors.New("policy: no file configured")
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("policy: read %s: %w", s.path, err)
	}
	doc, err := decode(data)
	if err != nil {
		return fmt.Errorf("policy: %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

func decode(data []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("decode policy: %w", err)
	}
	return doc, nil
}

// RequiresApproval evaluates the request against the policy. Requests that
// are already approved bypass the gate. Every other request is gated when the
// application requires approval (per-application override, then the
// application record, then the file default); rollbacks and previews are also
// gated by their own switches.
func (s *Service) RequiresApproval(_ context.Context, app domain.Application, req domain.DeploymentRequest) bool {
	if req.PreApproved {
		return false
	}
	s.mu.RLock()
	doc := s.doc
	s.mu.RUnlock()

	if applicationRequires(doc, app) {
		return true
	}
	if req.IsRollback {
		return doc.RollbackRequireApproval
	}
	if req.PullRequestID != 0 {
		return doc.PreviewRequireApproval
	}
	return false
}

func applicationRequires(doc Document, app domain.Application) bool {
	if override, ok := doc.Applications[app.ID]; ok && override.RequireApproval != nil {
		return *override.RequireApproval
	}
	if override, ok := doc.Applications[app.Name]; ok && override.RequireApproval != nil {
		return *override.RequireApproval
	}
	if app.RequireApproval {
		return true
	}
	return doc.DefaultRequireApproval
}
