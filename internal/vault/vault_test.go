package vault

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultmesh/vaultmesh/internal/chunkstore"
	"github.com/vaultmesh/vaultmesh/internal/identity"
	"github.com/vaultmesh/vaultmesh/internal/protocol"
	"github.com/vaultmesh/vaultmesh/internal/routing"
	"github.com/vaultmesh/vaultmesh/internal/store"
	"github.com/vaultmesh/vaultmesh/testutil"
)

const settle = 5 * time.Second

type cluster struct {
	t      *testing.T
	net    *routing.MemNetwork
	cfg    Config
	vaults map[identity.ID]*Vault
	dirs   map[identity.ID]string
}

func newCluster(t *testing.T, n int, opts ...func(*Config)) *cluster {
	t.Helper()
	cfg := Config{
		Logger:            zerolog.Nop(),
		ReplicaCount:      3,
		RetryBudget:       1,
		HopTimeout:        100 * time.Millisecond,
		ClientTimeout:     5 * time.Second,
		TransferRetries:   5,
		TransferBackoff:   20 * time.Millisecond,
		RedeliverInterval: 200 * time.Millisecond,
		DefaultQuota:      1 << 20,
		Capacity:          1 << 20,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	c := &cluster{
		t:      t,
		net:    routing.NewMemNetwork(8),
		cfg:    cfg,
		vaults: make(map[identity.ID]*Vault),
		dirs:   make(map[identity.ID]string),
	}
	for i := 0; i < n; i++ {
		c.join()
	}
	return c
}

func (c *cluster) join() *Vault {
	c.t.Helper()
	return c.joinAs(identity.Random())
}

func (c *cluster) joinAs(id identity.ID) *Vault {
	c.t.Helper()
	router := c.net.Join(id)

	dir := c.t.TempDir()
	chunks, err := chunkstore.Open(dir, chunkstore.Options{})
	require.NoError(c.t, err)

	cfg := c.cfg
	cfg.Router = router
	cfg.Chunks = chunks
	v, err := New(cfg)
	require.NoError(c.t, err)
	require.NoError(c.t, v.Start(context.Background()))
	c.t.Cleanup(v.Stop)

	c.vaults[id] = v
	c.dirs[id] = dir
	return v
}

func (c *cluster) leave(id identity.ID) {
	v := c.vaults[id]
	delete(c.vaults, id)
	delete(c.dirs, id)
	c.net.Leave(id)
	v.Stop()
}

func (c *cluster) ids() []identity.ID {
	ids := make([]identity.ID, 0, len(c.vaults))
	for id := range c.vaults {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// owner returns the vault closest to addr.
func (c *cluster) owner(addr identity.ID) *Vault {
	return c.vaults[identity.Closest(addr, c.ids(), 1)[0]]
}

// other returns a vault not in exclude.
func (c *cluster) other(exclude ...identity.ID) *Vault {
	for _, id := range c.ids() {
		if !identity.Contains(exclude, id) {
			return c.vaults[id]
		}
	}
	c.t.Fatal("no vault left")
	return nil
}

func (c *cluster) holders(chunk identity.ID) []identity.ID {
	holders, err := c.owner(chunk).ChunkHolders(context.Background(), chunk)
	if err != nil {
		return nil
	}
	return holders
}

func randomChunk(t *testing.T, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

func TestNewRequiresRouterAndChunks(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	net := routing.NewMemNetwork(8)
	_, err = New(Config{Router: net.Join(identity.Random())})
	assert.Error(t, err)
}

func TestAccountLifecycle(t *testing.T) {
	c := newCluster(t, 3)
	ctx := context.Background()
	client := identity.Random()
	v := c.other()

	_, err := v.Account(ctx, client)
	assert.ErrorIs(t, err, ErrNoAccount)

	info, err := v.CreateAccount(ctx, client, 5000)
	require.NoError(t, err)
	assert.Equal(t, client, info.Client)
	assert.Equal(t, int64(5000), info.Quota)

	// Creating again leaves the account unchanged.
	info, err = c.other(v.ID()).CreateAccount(ctx, client, 9999)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), info.Quota)

	info, err = v.Account(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Used)
}

func TestPutChargesQuotaOnce(t *testing.T) {
	c := newCluster(t, 5)
	ctx := context.Background()
	client := identity.Random()
	v := c.other()

	_, err := v.CreateAccount(ctx, client, 1000)
	require.NoError(t, err)

	first := randomChunk(t, 400)
	id, err := v.Put(ctx, client, first)
	require.NoError(t, err)
	assert.Equal(t, identity.FromContent(first), id)

	info, err := v.Account(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, int64(400), info.Used)

	_, err = v.Put(ctx, client, first)
	require.NoError(t, err)
	info, err = v.Account(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, int64(400), info.Used, "re-putting the same chunk must not charge again")

	_, err = v.Put(ctx, client, randomChunk(t, 700))
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	info, err = v.Account(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, int64(400), info.Used)
	assert.Equal(t, int64(0), info.Reserved)
	assert.Equal(t, 1, info.Chunks)
}

func TestCreateAccountCapsQuota(t *testing.T) {
	c := newCluster(t, 3, func(cfg *Config) { cfg.MaxQuota = 2000 })
	ctx := context.Background()

	info, err := c.other().CreateAccount(ctx, identity.Random(), 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), info.Quota)

	info, err = c.other().CreateAccount(ctx, identity.Random(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), info.Quota, "the default is capped too")
}

func TestConcurrentDistinctPutsRespectQuota(t *testing.T) {
	c := newCluster(t, 5)
	ctx := context.Background()
	client := identity.Random()

	_, err := c.other().CreateAccount(ctx, client, 1000)
	require.NoError(t, err)

	ids := c.ids()
	const puts = 10
	errs := make(chan error, puts)
	for i := 0; i < puts; i++ {
		v := c.vaults[ids[i%len(ids)]]
		data := randomChunk(t, 300)
		go func() {
			_, err := v.Put(ctx, client, data)
			errs <- err
		}()
	}
	stored := 0
	for i := 0; i < puts; i++ {
		err := <-errs
		if err == nil {
			stored++
			continue
		}
		assert.ErrorIs(t, err, ErrQuotaExceeded)
	}
	assert.Equal(t, 3, stored, "exactly three 300 byte chunks fit in 1000 bytes")

	info, err := c.other().Account(ctx, client)
	require.NoError(t, err)
	assert.LessOrEqual(t, info.Used, info.Quota)
	assert.Equal(t, int64(300*stored), info.Used)
	assert.Zero(t, info.Reserved)
}

func TestPutRequiresAccount(t *testing.T) {
	c := newCluster(t, 4, func(cfg *Config) { cfg.RequireAccount = true })
	ctx := context.Background()

	_, err := c.other().Put(ctx, identity.Random(), randomChunk(t, 64))
	assert.ErrorIs(t, err, ErrNoAccount)
}

func TestPutCreatesAccountImplicitly(t *testing.T) {
	c := newCluster(t, 4)
	ctx := context.Background()
	client := identity.Random()

	_, err := c.other().Put(ctx, client, randomChunk(t, 64))
	require.NoError(t, err)

	info, err := c.other().Account(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, c.cfg.DefaultQuota, info.Quota)
	assert.Equal(t, int64(64), info.Used)
}

func TestPutRejectsEmptyChunk(t *testing.T) {
	c := newCluster(t, 1)
	_, err := c.other().Put(context.Background(), identity.Random(), nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestPutPlacesKHolders(t *testing.T) {
	c := newCluster(t, 5)
	ctx := context.Background()
	client := identity.Random()
	data := randomChunk(t, 2048)

	id, err := c.other().Put(ctx, client, data)
	require.NoError(t, err)

	holders := c.holders(id)
	require.Len(t, holders, 3)
	for _, h := range holders {
		assert.True(t, c.vaults[h].chunks.Has(id), "holder %s should store the chunk", h.Short())
	}
}

func TestGetFromAnyClient(t *testing.T) {
	c := newCluster(t, 5)
	ctx := context.Background()
	alice, bob := identity.Random(), identity.Random()
	data := randomChunk(t, 1500)

	id, err := c.other().Put(ctx, alice, data)
	require.NoError(t, err)

	for _, v := range c.vaults {
		got, err := v.Get(ctx, bob, id)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, got))
	}
}

func TestGetUnknownChunk(t *testing.T) {
	c := newCluster(t, 4)
	_, err := c.other().Get(context.Background(), identity.Random(), identity.Random())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRefundsAndUnsubscribes(t *testing.T) {
	c := newCluster(t, 5)
	ctx := context.Background()
	alice, bob := identity.Random(), identity.Random()
	data := randomChunk(t, 300)
	v := c.other()

	id, err := v.Put(ctx, alice, data)
	require.NoError(t, err)
	_, err = v.Put(ctx, bob, data)
	require.NoError(t, err)

	info, err := v.Account(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(300), info.Used, "each subscriber is charged")

	require.NoError(t, v.Delete(ctx, alice, id))
	info, err = v.Account(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Used)

	assert.ErrorIs(t, v.Delete(ctx, alice, id), ErrNotFound)

	// Bob still subscribes.
	got, err := v.Get(ctx, bob, id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	holders := c.holders(id)
	require.NotEmpty(t, holders)

	require.NoError(t, v.Delete(ctx, bob, id))
	require.True(t, testutil.Eventually(t, settle, func() bool {
		if len(c.holders(id)) != 0 {
			return false
		}
		for _, h := range holders {
			if c.vaults[h].chunks.Has(id) {
				return false
			}
		}
		return true
	}), "chunk should be removed once the last subscriber deletes it")

	_, err = v.Get(ctx, bob, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

// subscribers returns the clients the chunk's DataManager records.
func (c *cluster) subscribers(chunk identity.ID) []identity.ID {
	owner := c.owner(chunk)
	var subs []identity.ID
	require.NoError(c.t, owner.do(context.Background(), func() {
		if rec, ok := owner.data.records[chunk]; ok {
			subs = append(subs, rec.Subscribers...)
		}
	}))
	return subs
}

func TestRepeatedUnsubscribeKeepsOtherSubscribers(t *testing.T) {
	c := newCluster(t, 5)
	ctx := context.Background()
	alice, bob := identity.Random(), identity.Random()
	data := randomChunk(t, 200)
	v := c.other()

	id, err := v.Put(ctx, alice, data)
	require.NoError(t, err)
	_, err = v.Put(ctx, bob, data)
	require.NoError(t, err)
	assert.ElementsMatch(t, []identity.ID{alice, bob}, c.subscribers(id))

	require.NoError(t, v.Delete(ctx, alice, id))
	require.True(t, testutil.Eventually(t, settle, func() bool {
		subs := c.subscribers(id)
		return len(subs) == 1 && subs[0] == bob
	}))

	// A resent unsubscribe for alice, as after a lost reply.
	owner := c.owner(id)
	for i := 0; i < 2; i++ {
		msg, err := protocol.NewRequest(protocol.MessageTypeDataUnsubscribe, owner.ID(), protocol.DataManager, id,
			protocol.DataUnsubscribePayload{ChunkID: id})
		require.NoError(t, err)
		msg.Client = alice
		require.NoError(t, owner.do(ctx, func() { owner.data.handle(msg) }))
	}

	assert.Equal(t, []identity.ID{bob}, c.subscribers(id))
	assert.Len(t, c.holders(id), 3)
	got, err := v.Get(ctx, bob, id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPutFallsBackWhenCustodianIsFull(t *testing.T) {
	c := newCluster(t, 4)
	ctx := context.Background()

	c.cfg.Capacity = 100
	full := c.joinAs(identity.Random())
	c.cfg.Capacity = 1 << 20

	// Wait for the small capacity to be registered with its manager.
	require.True(t, testutil.Eventually(t, settle, func() bool {
		var manager identity.ID
		require.NoError(t, full.do(ctx, func() { manager = full.pmidOwner(full.ID()) }))
		m, ok := c.vaults[manager]
		if !ok {
			return false
		}
		var limit int64
		require.NoError(t, m.do(ctx, func() {
			acct, _ := m.pmid.accounts.Get(full.ID())
			limit = acct.Limit
		}))
		return limit == 100
	}))

	// A chunk for which the full custodian is the first candidate.
	var data []byte
	for {
		data = randomChunk(t, 256)
		if identity.Closest(identity.FromContent(data), c.ids(), 1)[0] == full.ID() {
			break
		}
	}

	id, err := c.other(full.ID()).Put(ctx, identity.Random(), data)
	require.NoError(t, err)

	holders := c.holders(id)
	assert.Len(t, holders, 3)
	assert.NotContains(t, holders, full.ID())
	assert.False(t, full.chunks.Has(id))

	got, err := c.other(full.ID()).Get(ctx, identity.Random(), id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestConcurrentPutsOfSameChunk(t *testing.T) {
	c := newCluster(t, 5)
	ctx := context.Background()
	client := identity.Random()
	data := randomChunk(t, 512)

	ids := c.ids()
	errs := make(chan error, len(ids))
	for _, id := range ids {
		v := c.vaults[id]
		go func() {
			_, err := v.Put(ctx, client, data)
			errs <- err
		}()
	}
	for range ids {
		require.NoError(t, <-errs)
	}

	info, err := c.other().Account(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, int64(512), info.Used)
	assert.Len(t, c.holders(identity.FromContent(data)), 3)
}

func TestChurnReplacesDepartedHolder(t *testing.T) {
	c := newCluster(t, 5)
	ctx := context.Background()
	client := identity.Random()
	data := randomChunk(t, 1024)

	id, err := c.other().Put(ctx, client, data)
	require.NoError(t, err)
	holders := c.holders(id)
	require.Len(t, holders, 3)

	var leaving identity.ID
	for _, h := range holders {
		if h != c.owner(id).ID() && h != c.owner(client).ID() {
			leaving = h
			break
		}
	}
	require.False(t, leaving.IsZero())
	c.leave(leaving)

	require.True(t, testutil.Eventually(t, settle, func() bool {
		hs := c.holders(id)
		return len(hs) == 3 && !identity.Contains(hs, leaving)
	}), "holder set should be restored to three without the departed node")

	for _, h := range c.holders(id) {
		assert.True(t, c.vaults[h].chunks.Has(id))
	}
	got, err := c.other().Get(ctx, client, id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCorruptHolderIsReplaced(t *testing.T) {
	c := newCluster(t, 5)
	ctx := context.Background()
	client := identity.Random()
	data := randomChunk(t, 700)

	id, err := c.other().Put(ctx, client, data)
	require.NoError(t, err)
	holders := c.holders(id)
	require.Len(t, holders, 3)

	bad := holders[0]
	hexID := id.String()
	path := filepath.Join(c.dirs[bad], hexID[:2], hexID)
	require.NoError(t, os.WriteFile(path, []byte{9, 9, 9, 9}, 0644))

	got, err := c.other().Get(ctx, client, id)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.True(t, testutil.Eventually(t, settle, func() bool {
		hs := c.holders(id)
		return len(hs) == 3 && !identity.Contains(hs, bad)
	}), "corrupt holder should be replaced")
}

func TestPutSkipsUnresponsiveCustodian(t *testing.T) {
	c := newCluster(t, 6)
	ctx := context.Background()
	client := identity.Random()
	data := randomChunk(t, 256)
	id := identity.FromContent(data)

	// Silence a close member that is neither the chunk's nor the client's
	// manager.
	var silent identity.ID
	for _, cand := range identity.Closest(id, c.ids(), -1) {
		if cand != c.owner(id).ID() && cand != c.owner(client).ID() {
			silent = cand
			break
		}
	}
	c.net.Silence(silent, true)

	_, err := c.other(silent).Put(ctx, client, data)
	require.NoError(t, err)

	holders := c.holders(id)
	assert.NotEmpty(t, holders)
	assert.NotContains(t, holders, silent)

	got, err := c.other(silent).Get(ctx, client, id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestVersionCompareAndSwap(t *testing.T) {
	c := newCluster(t, 4)
	ctx := context.Background()
	client := identity.Random()
	name := identity.FromName("profile")
	v1, v2 := identity.FromName("v1"), identity.FromName("v2")
	v := c.other()

	_, err := v.GetVersion(ctx, client, name)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = v.Post(ctx, client, name, v1, v2)
	assert.ErrorIs(t, err, ErrNotFound, "a missing name is only created from the zero version")

	rec, err := v.Post(ctx, client, name, identity.Zero, v1)
	require.NoError(t, err)
	assert.Equal(t, v1, rec.Current)
	assert.Equal(t, uint64(1), rec.Seq)

	rec, err = v.Post(ctx, client, name, v2, identity.FromName("v3"))
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, v1, rec.Current, "conflict returns the current version")

	rec, err = c.other(v.ID()).Post(ctx, client, name, v1, v2)
	require.NoError(t, err)
	assert.Equal(t, v2, rec.Current)
	assert.Equal(t, uint64(2), rec.Seq)
	assert.Equal(t, []identity.ID{v1, v2}, rec.History)

	rec, err = v.GetVersion(ctx, client, name)
	require.NoError(t, err)
	assert.Equal(t, v2, rec.Current)

	_, err = v.Post(ctx, client, name, v2, identity.Zero)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestVersionConcurrentPostsOneWins(t *testing.T) {
	c := newCluster(t, 4)
	ctx := context.Background()
	client := identity.Random()
	name := identity.FromName("contended")
	base := identity.FromName("base")

	_, err := c.other().Post(ctx, client, name, identity.Zero, base)
	require.NoError(t, err)

	const writers = 8
	results := make(chan error, writers)
	ids := c.ids()
	for i := 0; i < writers; i++ {
		v := c.vaults[ids[i%len(ids)]]
		next := identity.Random()
		go func() {
			_, err := v.Post(ctx, client, name, base, next)
			results <- err
		}()
	}

	wins := 0
	for i := 0; i < writers; i++ {
		err := <-results
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrConflict)
	}
	assert.Equal(t, 1, wins)

	rec, err := c.other().GetVersion(ctx, client, name)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Seq)
}

func TestVersionHistoryIsBounded(t *testing.T) {
	c := newCluster(t, 2, func(cfg *Config) { cfg.MaxVersionHistory = 3 })
	ctx := context.Background()
	client := identity.Random()
	name := identity.FromName("bounded")
	v := c.other()

	prev := identity.Zero
	var versions []identity.ID
	for i := 0; i < 5; i++ {
		next := identity.Random()
		_, err := v.Post(ctx, client, name, prev, next)
		require.NoError(t, err)
		versions = append(versions, next)
		prev = next
	}

	rec, err := v.GetVersion(ctx, client, name)
	require.NoError(t, err)
	assert.Equal(t, versions[2:], rec.History)
	assert.Equal(t, uint64(5), rec.Seq)
}

func TestMessagingRoundTrip(t *testing.T) {
	c := newCluster(t, 5)
	ctx := context.Background()
	alice, bob := identity.Random(), identity.Random()

	msgID, err := c.other().SendMessage(ctx, alice, bob, []byte("hello bob"))
	require.NoError(t, err)
	require.NotEmpty(t, msgID)

	var inbox []MailMessage
	require.True(t, testutil.Eventually(t, settle, func() bool {
		inbox, err = c.other().PollMessages(ctx, bob)
		return err == nil && len(inbox) == 1
	}))
	assert.Equal(t, msgID, inbox[0].ID)
	assert.Equal(t, alice, inbox[0].Sender)
	assert.Equal(t, []byte("hello bob"), inbox[0].Body)

	require.True(t, testutil.Eventually(t, settle, func() bool {
		outbox, err := c.other().PollOutbox(ctx, alice)
		return err == nil && len(outbox) == 1 && outbox[0].Delivered
	}), "sender's outbox should record the delivery")

	require.NoError(t, c.other().DeleteMessage(ctx, bob, msgID))
	inbox, err = c.other().PollMessages(ctx, bob)
	require.NoError(t, err)
	assert.Empty(t, inbox)

	require.True(t, testutil.Eventually(t, settle, func() bool {
		outbox, err := c.other().PollOutbox(ctx, alice)
		return err == nil && len(outbox) == 0
	}), "outbox copy should be removed after the recipient deletes")

	assert.ErrorIs(t, c.other().DeleteMessage(ctx, bob, msgID), ErrNotFound)
}

func TestMessagesArriveInOrder(t *testing.T) {
	c := newCluster(t, 4)
	ctx := context.Background()
	alice, bob := identity.Random(), identity.Random()
	v := c.other()

	for i := 0; i < 5; i++ {
		_, err := v.SendMessage(ctx, alice, bob, []byte{byte('a' + i)})
		require.NoError(t, err)
	}

	var inbox []MailMessage
	require.True(t, testutil.Eventually(t, settle, func() bool {
		var err error
		inbox, err = v.PollMessages(ctx, bob)
		return err == nil && len(inbox) == 5
	}))
	for i, m := range inbox {
		assert.Equal(t, []byte{byte('a' + i)}, m.Body)
		assert.Equal(t, uint64(i+1), m.Arrival)
	}
}

func TestSendMessageValidation(t *testing.T) {
	c := newCluster(t, 2)
	ctx := context.Background()

	_, err := c.other().SendMessage(ctx, identity.Random(), identity.Zero, []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = c.other().SendMessage(ctx, identity.Random(), identity.Random(), make([]byte, MaxMessageBody+1))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.ErrorIs(t, c.other().DeleteMessage(ctx, identity.Random(), ""), ErrInvalidRequest)
}

func TestClientContextCancelled(t *testing.T) {
	c := newCluster(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.other().Get(ctx, identity.Random(), identity.Random())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStoppedVault(t *testing.T) {
	c := newCluster(t, 2)
	v := c.other()
	v.Stop()

	_, err := v.Put(context.Background(), identity.Random(), []byte("late"))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestSnapshot(t *testing.T) {
	c := newCluster(t, 3)
	ctx := context.Background()
	client := identity.Random()

	id, err := c.other().Put(ctx, client, randomChunk(t, 128))
	require.NoError(t, err)

	snap, err := c.owner(id).Snapshot(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snap.Records[string(protocol.DataManager)], 1)
	assert.Equal(t, 3, snap.Members)

	total := 0
	for _, v := range c.vaults {
		s, err := v.Snapshot(ctx)
		require.NoError(t, err)
		total += s.StoredChunks
	}
	assert.Equal(t, 3, total)
}

func TestChunkHoldersUnknown(t *testing.T) {
	c := newCluster(t, 1)
	_, err := c.other().ChunkHolders(context.Background(), identity.Random())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAccountSurvivesRestart(t *testing.T) {
	c := newCluster(t, 2)
	ctx := context.Background()
	client := identity.Random()

	// Bring up the owner of the client's account on a LevelDB store.
	var id identity.ID
	for {
		id = identity.Random()
		if identity.Closest(client, append(c.ids(), id), 1)[0] == id {
			break
		}
	}
	dbDir, chunkDir := t.TempDir(), t.TempDir()
	start := func() (*Vault, *store.Store) {
		records, err := store.Open(dbDir)
		require.NoError(t, err)
		chunks, err := chunkstore.Open(chunkDir, chunkstore.Options{})
		require.NoError(t, err)
		cfg := c.cfg
		cfg.Router = c.net.Join(id)
		cfg.Store = records
		cfg.Chunks = chunks
		v, err := New(cfg)
		require.NoError(t, err)
		require.NoError(t, v.Start(ctx))
		return v, records
	}

	v, records := start()
	_, err := c.other(id).CreateAccount(ctx, client, 4096)
	require.NoError(t, err)

	c.net.Leave(id)
	v.Stop()
	require.NoError(t, records.Close())

	v, records = start()
	t.Cleanup(func() {
		v.Stop()
		_ = records.Close()
	})

	info, err := v.Account(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), info.Quota)
}
