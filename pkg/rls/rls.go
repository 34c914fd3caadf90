// Package rls scopes a postgres transaction to one organization for row level
// security policies.
package rls

import (
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// WithOrg sets app.current_org_id for the rest of the transaction.
func WithOrg(tx *gorm.DB, orgID snowflake.ID) error {
	if orgID == 0 {
		return nil
	}
	return tx.Exec("SELECT set_config('app.current_org_id', ?, true)", orgID.String()).Error
}
