package main

import (
	"path/filepath"

	"github.com/oktamirror/oktamirror/internal/config"
	"github.com/oktamirror/oktamirror/internal/fetch"
	"github.com/oktamirror/oktamirror/internal/graph"
	"github.com/oktamirror/oktamirror/internal/metadata"
	"github.com/oktamirror/oktamirror/internal/okta"
	syncer "github.com/oktamirror/oktamirror/internal/sync"
)

// stack bundles the wired components every sync-running command needs.
type stack struct {
	client   *okta.Client
	fetcher  *fetch.Fetcher
	versions *graph.VersionManager
	meta     *metadata.Store
	orch     *syncer.Orchestrator
}

func buildStack(cfg config.Config, sink okta.Sink) (*stack, error) {
	client, err := okta.New(okta.Config{
		OrgURL:              cfg.OktaOrgURL,
		AuthMethod:          cfg.TokenMethod,
		APIToken:            cfg.OktaAPIToken,
		OAuth2ClientID:      cfg.OAuth2ClientID,
		OAuth2PrivateKeyPEM: cfg.OAuth2PrivateKeyPEM,
		OAuth2Scopes:        cfg.OAuth2Scopes,
		ConcurrentLimit:     cfg.ConcurrentLimit,
		Sink:                sink,
	})
	if err != nil {
		return nil, err
	}

	fetcher := fetch.New(client, fetch.Options{
		CustomAttributes:          cfg.UserCustomAttributes,
		SyncDeprovisionedUsers:    cfg.SyncDeprovisionedUsers,
		DeprovisionedCreatedAfter: cfg.DeprUserCreatedAfter,
		DeprovisionedUpdatedAfter: cfg.DeprUserUpdatedAfter,
	})

	versions, err := graph.NewVersionManager(graphRoot(cfg), cfg.TenantID, cfg.KeepVersions)
	if err != nil {
		return nil, err
	}

	meta, err := metadata.Open(cfg.MetaDBPath)
	if err != nil {
		return nil, err
	}

	orch := syncer.NewOrchestrator(client, fetcher, versions, meta, syncer.Options{
		Tenant:           cfg.TenantID,
		CustomAttributes: cfg.UserCustomAttributes,
		SinceLast:        cfg.SyncSinceLast,
		PromoteOnErrors:  cfg.PromoteOnErrors,
	})

	return &stack{
		client:   client,
		fetcher:  fetcher,
		versions: versions,
		meta:     meta,
		orch:     orch,
	}, nil
}

func (s *stack) Close() {
	if s.meta != nil {
		_ = s.meta.Close()
	}
}

// graphRoot scopes snapshot directories per tenant.
func graphRoot(cfg config.Config) string {
	return filepath.Join(cfg.GraphDir, cfg.TenantID)
}
