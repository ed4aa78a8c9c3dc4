package sqlite

import (
	"context"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
)

type identityProvidersRepo struct {
	db dbtx
}

const identityProviderColumns = `id, realm_id, alias, display_name, enabled, issuer_url,
	authorization_url, token_url, userinfo_url, client_id, client_secret_encrypted,
	scopes, trust_email, link_only, sync_mode, created_at`

func (r *identityProvidersRepo) CreateIdentityProvider(ctx context.Context, p domain.IdentityProvider) error {
	syncMode := p.SyncMode
	if syncMode == "" {
		syncMode = domain.SyncImport
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO identity_providers (`+identityProviderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.RealmID, p.Alias, p.DisplayName, p.Enabled, p.IssuerURL,
		p.AuthorizationURL, p.TokenURL, p.UserInfoURL, p.ClientID, p.ClientSecretEncrypted,
		joinList(p.Scopes), p.TrustEmail, p.LinkOnly, string(syncMode), toMillis(p.CreatedAt),
	)
	return mapWriteErr(err)
}

func (r *identityProvidersRepo) GetIdentityProviderByAlias(ctx context.Context, realmID, alias string) (domain.IdentityProvider, error) {
	var (
		p                domain.IdentityProvider
		scopes, syncMode string
		createdAt        int64
	)
	err := r.db.QueryRowContext(ctx, `SELECT `+identityProviderColumns+`
		FROM identity_providers WHERE realm_id = ? AND alias = ?`, realmID, alias).Scan(
		&p.ID, &p.RealmID, &p.Alias, &p.DisplayName, &p.Enabled, &p.IssuerURL,
		&p.AuthorizationURL, &p.TokenURL, &p.UserInfoURL, &p.ClientID, &p.ClientSecretEncrypted,
		&scopes, &p.TrustEmail, &p.LinkOnly, &syncMode, &createdAt,
	)
	if err != nil {
		return domain.IdentityProvider{}, mapNotFound(err)
	}
	p.Scopes = splitAndFilter(scopes)
	p.SyncMode = domain.SyncMode(syncMode)
	p.CreatedAt = fromMillis(createdAt)
	return p, nil
}

type federatedIdentitiesRepo struct {
	db dbtx
}

func (r *federatedIdentitiesRepo) CreateFederatedIdentity(ctx context.Context, f domain.FederatedIdentity) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO federated_identities
		(id, realm_id, user_id, identity_provider_id, provider_alias,
		 external_user_id, external_username, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.RealmID, f.UserID, f.IdentityProviderID, f.ProviderAlias,
		f.ExternalUserID, f.ExternalUsername, toMillis(f.CreatedAt),
	)
	return mapWriteErr(err)
}

func (r *federatedIdentitiesRepo) GetFederatedIdentity(ctx context.Context, realmID, providerID, externalUserID string) (domain.FederatedIdentity, error) {
	var (
		f         domain.FederatedIdentity
		createdAt int64
	)
	err := r.db.QueryRowContext(ctx, `SELECT
		id, realm_id, user_id, identity_provider_id, provider_alias,
		external_user_id, external_username, created_at
		FROM federated_identities
		WHERE realm_id = ? AND identity_provider_id = ? AND external_user_id = ?`,
		realmID, providerID, externalUserID).Scan(
		&f.ID, &f.RealmID, &f.UserID, &f.IdentityProviderID, &f.ProviderAlias,
		&f.ExternalUserID, &f.ExternalUsername, &createdAt,
	)
	if err != nil {
		return domain.FederatedIdentity{}, mapNotFound(err)
	}
	f.CreatedAt = fromMillis(createdAt)
	return f, nil
}
