package originpolicy_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/privatedatabroker/broker/internal/originpolicy"
)

func TestAdmitAllowsDefaultActionsOnFirstContact(t *testing.T) {
	p := originpolicy.New()
	outcome, err := p.Admit(context.Background(), "https://app.example", "ping")
	require.NoError(t, err)
	require.Equal(t, originpolicy.Admitted, outcome)
}

func TestAdmitRejectsUnlistedAction(t *testing.T) {
	p := originpolicy.New()
	outcome, err := p.Admit(context.Background(), "https://app.example", "grant_permission")
	require.NoError(t, err)
	require.True(t, originpolicy.IsNotAllowed(outcome))
}

func TestConnectGrantsRequestedActions(t *testing.T) {
	p := originpolicy.New()
	actions, err := p.Connect("https://app.example", []string{"grant_permission", "list_permissions"}, nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"grant_permission", "list_permissions"}, actions)

	outcome, err := p.Admit(context.Background(), "https://app.example", "grant_permission")
	require.NoError(t, err)
	require.Equal(t, originpolicy.Admitted, outcome)
}

func TestDisconnectRemovesRecord(t *testing.T) {
	p := originpolicy.New()
	_, err := p.Connect("https://app.example", []string{"grant_permission"}, nil)
	require.NoError(t, err)

	p.Disconnect("https://app.example")

	outcome, err := p.Admit(context.Background(), "https://app.example", "grant_permission")
	require.NoError(t, err)
	require.True(t, originpolicy.IsNotAllowed(outcome))
}

func TestAdmitEnforcesRateLimit(t *testing.T) {
	p := originpolicy.New()
	tight := originpolicy.RateLimit{MaxRequests: 2, Window: time.Minute}
	_, err := p.Connect("https://app.example", []string{"ping"}, &tight)
	require.NoError(t, err)

	ctx := context.Background()
	o1, err := p.Admit(ctx, "https://app.example", "ping")
	require.NoError(t, err)
	require.Equal(t, originpolicy.Admitted, o1)

	o2, err := p.Admit(ctx, "https://app.example", "ping")
	require.NoError(t, err)
	require.Equal(t, originpolicy.Admitted, o2)

	o3, err := p.Admit(ctx, "https://app.example", "ping")
	require.NoError(t, err)
	require.True(t, originpolicy.IsRateLimited(o3))
}

// TestAdmitRecoversAfterWindowRollover exercises spec.md §8's rate-bucket
// recovery property. memorystore times its own window internally with no
// clock-injection seam (see SPEC_FULL.md's test-tooling note and
// DESIGN.md's internal/originpolicy entry), so this uses a real, short
// window and a real sleep rather than a clockwork fake.
func TestAdmitRecoversAfterWindowRollover(t *testing.T) {
	p := originpolicy.New()
	tight := originpolicy.RateLimit{MaxRequests: 1, Window: 50 * time.Millisecond}
	_, err := p.Connect("https://app.example", []string{"ping"}, &tight)
	require.NoError(t, err)

	ctx := context.Background()
	o1, err := p.Admit(ctx, "https://app.example", "ping")
	require.NoError(t, err)
	require.Equal(t, originpolicy.Admitted, o1)

	o2, err := p.Admit(ctx, "https://app.example", "ping")
	require.NoError(t, err)
	require.True(t, originpolicy.IsRateLimited(o2))

	time.Sleep(100 * time.Millisecond)

	o3, err := p.Admit(ctx, "https://app.example", "ping")
	require.NoError(t, err)
	require.Equal(t, originpolicy.Admitted, o3)
}

func TestAllowedActionsReflectsDefaultsForUnknownOrigin(t *testing.T) {
	p := originpolicy.New()
	require.ElementsMatch(t, originpolicy.DefaultActions, p.AllowedActions("https://never-connected.example"))
}

func TestEvictRemovesStaleOrigins(t *testing.T) {
	p := originpolicy.New()
	_, err := p.Connect("https://app.example", []string{"ping"}, nil)
	require.NoError(t, err)
	_, err = p.Admit(context.Background(), "https://app.example", "ping")
	require.NoError(t, err)

	p.Evict(time.Now().Add(time.Hour))

	outcome, err := p.Admit(context.Background(), "https://app.example", "ping")
	require.NoError(t, err)
	require.Equal(t, originpolicy.Admitted, outcome)
}

func TestErrMapsOutcomesToSentinels(t *testing.T) {
	require.NoError(t, originpolicy.Err(originpolicy.Admitted))
	require.Error(t, originpolicy.Err(originpolicy.RejectNotAllowed))
	require.Error(t, originpolicy.Err(originpolicy.RejectRateLimited))
}
