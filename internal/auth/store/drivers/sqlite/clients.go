package sqlite

import (
	"context"
	"database/sql"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
)

type clientsRepo struct {
	db dbtx
}

const clientColumns = `id, realm_id, client_id, name, secret_hash, client_type, enabled,
	redirect_uris, post_logout_redirect_uris, grant_types, scopes,
	backchannel_logout_uri, backchannel_logout_session_required, created_at`

func (r *clientsRepo) CreateClient(ctx context.Context, c domain.Client) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO clients (`+clientColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.RealmID, c.ClientID, c.Name, toNullString(c.SecretHash), string(c.Type), c.Enabled,
		joinList(c.RedirectURIs), joinList(c.PostLogoutRedirectURIs),
		joinList(c.GrantTypes), joinList(c.Scopes),
		c.BackchannelLogoutURI, c.BackchannelLogoutSessionRequired, toMillis(c.CreatedAt),
	)
	return mapWriteErr(err)
}

func (r *clientsRepo) GetClientByClientID(ctx context.Context, realmID, clientID string) (domain.Client, error) {
	return scanClient(r.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE realm_id = ? AND client_id = ?`,
		realmID, clientID))
}

func (r *clientsRepo) GetClientByID(ctx context.Context, realmID, id string) (domain.Client, error) {
	return scanClient(r.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE realm_id = ? AND id = ?`,
		realmID, id))
}

func (r *clientsRepo) ListBackchannelClients(ctx context.Context, realmID string) ([]domain.Client, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+clientColumns+` FROM clients
		WHERE realm_id = ? AND enabled = 1 AND backchannel_logout_uri <> ''
		ORDER BY client_id`, realmID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanClient(row scanner) (domain.Client, error) {
	var (
		c                                   domain.Client
		secret                              sql.NullString
		clientType                          string
		redirects, postLogout, grants, scps string
		createdAt                           int64
	)
	err := row.Scan(
		&c.ID, &c.RealmID, &c.ClientID, &c.Name, &secret, &clientType, &c.Enabled,
		&redirects, &postLogout, &grants, &scps,
		&c.BackchannelLogoutURI, &c.BackchannelLogoutSessionRequired, &createdAt,
	)
	if err != nil {
		return domain.Client{}, mapNotFound(err)
	}
	c.SecretHash = secret.String
	c.Type = domain.ClientType(clientType)
	c.RedirectURIs = splitAndFilter(redirects)
	c.PostLogoutRedirectURIs = splitAndFilter(postLogout)
	c.GrantTypes = splitAndFilter(grants)
	c.Scopes = splitAndFilter(scps)
	c.CreatedAt = fromMillis(createdAt)
	return c, nil
}
