// Package providers dispatches accounts to the cloud implementation named
// by their provider kind.
package providers

import (
	"context"
	"fmt"

	"github.com/ruteri/cloud-evidence-backend/interfaces"
)

// Connectors routes Connect calls by Account.Provider.
type Connectors map[interfaces.ProviderKind]interfaces.Connector

// Connect implements interfaces.Connector.
func (c Connectors) Connect(ctx context.Context, account interfaces.Account, region string) (*interfaces.Provider, error) {
	connector, ok := c[account.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: no provider configured for %q accounts", interfaces.ErrInvalidRequest, account.Provider)
	}
	return connector.Connect(ctx, account, region)
}
