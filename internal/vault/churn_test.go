package vault

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultmesh/vaultmesh/internal/identity"
	"github.com/vaultmesh/vaultmesh/internal/ledger"
	"github.com/vaultmesh/vaultmesh/internal/protocol"
	"github.com/vaultmesh/vaultmesh/testutil"
)

// holdsAccount reports whether v's MaidManager has client's account.
func holdsAccount(t *testing.T, v *Vault, client identity.ID) bool {
	t.Helper()
	has := false
	require.NoError(t, v.do(context.Background(), func() { has = v.maid.accounts.Has(client) }))
	return has
}

func TestAccountsMoveToNewOwners(t *testing.T) {
	c := newCluster(t, 3)
	ctx := context.Background()

	clients := make([]identity.ID, 12)
	for i := range clients {
		clients[i] = identity.Random()
		_, err := c.other().CreateAccount(ctx, clients[i], int64(1000+i))
		require.NoError(t, err)
	}

	for i := 0; i < 3; i++ {
		c.join()
	}

	require.True(t, testutil.Eventually(t, settle, func() bool {
		for _, client := range clients {
			for id, v := range c.vaults {
				owns := id == c.owner(client).ID()
				if holdsAccount(t, v, client) != owns {
					return false
				}
			}
		}
		return true
	}), "every account should live only on its current owner")

	for i, client := range clients {
		info, err := c.other().Account(ctx, client)
		require.NoError(t, err)
		assert.Equal(t, int64(1000+i), info.Quota)
	}

	for _, v := range c.vaults {
		st, err := v.TransferState(ctx, protocol.MaidManager)
		require.NoError(t, err)
		assert.Equal(t, Stable, st)
	}
}

func TestChunkRecordsMoveToNewOwners(t *testing.T) {
	c := newCluster(t, 3)
	ctx := context.Background()
	client := identity.Random()

	var chunks []identity.ID
	var payloads [][]byte
	for i := 0; i < 6; i++ {
		data := randomChunk(t, 200+i)
		id, err := c.other().Put(ctx, client, data)
		require.NoError(t, err)
		chunks = append(chunks, id)
		payloads = append(payloads, data)
	}

	for i := 0; i < 3; i++ {
		c.join()
	}

	require.True(t, testutil.Eventually(t, settle, func() bool {
		for _, id := range chunks {
			if len(c.holders(id)) != 3 {
				return false
			}
		}
		return true
	}), "the new owner of every chunk should know its holders")

	for i, id := range chunks {
		got, err := c.other().Get(ctx, client, id)
		require.NoError(t, err)
		assert.Equal(t, payloads[i], got)
	}
}

func TestVersionsSurviveOwnerChange(t *testing.T) {
	c := newCluster(t, 2)
	ctx := context.Background()
	client := identity.Random()

	names := make([]identity.ID, 8)
	for i := range names {
		names[i] = identity.Random()
		_, err := c.other().Post(ctx, client, names[i], identity.Zero, identity.FromName("first"))
		require.NoError(t, err)
	}

	for i := 0; i < 4; i++ {
		c.join()
	}

	require.True(t, testutil.Eventually(t, settle, func() bool {
		for _, name := range names {
			rec, err := c.other().GetVersion(ctx, client, name)
			if err != nil || rec.Current != identity.FromName("first") {
				return false
			}
		}
		return true
	}))
}

func TestMailboxSurvivesOwnerChange(t *testing.T) {
	c := newCluster(t, 2)
	ctx := context.Background()
	alice, bob := identity.Random(), identity.Random()

	_, err := c.other().SendMessage(ctx, alice, bob, []byte("before churn"))
	require.NoError(t, err)
	require.True(t, testutil.Eventually(t, settle, func() bool {
		msgs, err := c.other().PollMessages(ctx, bob)
		return err == nil && len(msgs) == 1
	}))

	for i := 0; i < 4; i++ {
		c.join()
	}

	require.True(t, testutil.Eventually(t, settle, func() bool {
		msgs, err := c.other().PollMessages(ctx, bob)
		return err == nil && len(msgs) == 1 && string(msgs[0].Body) == "before churn"
	}))
}

func TestLedgerMergeIsIdempotent(t *testing.T) {
	c := newCluster(t, 1)
	v := c.other()
	ctx := context.Background()

	client := identity.Random()
	chunk := identity.Random()
	acct := ledger.Account{
		ID:    client,
		Limit: 1000,
		Used:  300,
		Items: map[identity.ID]int64{chunk: 300},
		Seq:   4,
	}
	raw, err := json.Marshal(acct)
	require.NoError(t, err)

	var first, second bool
	var firstErr, secondErr error
	var merged ledger.Account
	require.NoError(t, v.do(ctx, func() {
		first, firstErr = v.maid.merge(ctx, client, raw)
		second, secondErr = v.maid.merge(ctx, client, raw)
		merged, _ = v.maid.accounts.Get(client)
	}))

	require.NoError(t, firstErr)
	require.NoError(t, secondErr)
	assert.True(t, first)
	assert.False(t, second)
	assert.Equal(t, int64(300), merged.Used)
	assert.Len(t, merged.Items, 1)
}

func TestMergeRejectsMismatchedKey(t *testing.T) {
	c := newCluster(t, 1)
	v := c.other()
	ctx := context.Background()

	raw, err := json.Marshal(protocol.VersionRecord{Name: identity.Random(), Current: identity.Random(), Seq: 1})
	require.NoError(t, err)

	require.NoError(t, v.do(ctx, func() {
		_, err = v.version.merge(ctx, identity.Random(), raw)
	}))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestVersionMergeKeepsNewest(t *testing.T) {
	c := newCluster(t, 1)
	v := c.other()
	ctx := context.Background()
	name := identity.Random()

	newer, _ := json.Marshal(protocol.VersionRecord{Name: name, Current: identity.FromName("b"), Seq: 5})
	older, _ := json.Marshal(protocol.VersionRecord{Name: name, Current: identity.FromName("a"), Seq: 3})

	var applied bool
	var newerErr, olderErr error
	require.NoError(t, v.do(ctx, func() {
		_, newerErr = v.version.merge(ctx, name, newer)
		applied, olderErr = v.version.merge(ctx, name, older)
	}))
	require.NoError(t, newerErr)
	require.NoError(t, olderErr)
	assert.False(t, applied)

	rec, err := v.GetVersion(ctx, identity.Random(), name)
	require.NoError(t, err)
	assert.Equal(t, identity.FromName("b"), rec.Current)
}

func TestChunkRecordMergeProbesHolders(t *testing.T) {
	c := newCluster(t, 4)
	ctx := context.Background()
	client := identity.Random()
	data := randomChunk(t, 128)

	id, err := c.other().Put(ctx, client, data)
	require.NoError(t, err)
	holders := c.holders(id)
	require.Len(t, holders, 3)

	// A record on a non-owner naming one real holder and one impostor.
	var target *Vault
	for vid, v := range c.vaults {
		if vid != c.owner(id).ID() {
			target = v
			break
		}
	}
	impostor := identity.Random()
	rec := ChunkRecord{ID: id, Size: int64(len(data)), K: 3, Holders: []identity.ID{holders[0], impostor}, Subscribers: []identity.ID{identity.Random()}, Seq: 1}
	raw, err := json.Marshal(rec)
	require.NoError(t, err)

	var errs [2]error
	require.NoError(t, target.do(ctx, func() {
		_, errs[0] = target.data.merge(ctx, id, raw)
		_, errs[1] = target.data.merge(ctx, id, raw)
	}))
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	var got []identity.ID
	require.True(t, testutil.Eventually(t, settle, func() bool {
		_ = target.do(ctx, func() {
			got = nil
			if r, ok := target.data.records[id]; ok && len(target.data.probing[id]) == 0 {
				got = append(got, r.Holders...)
			}
		})
		return len(got) > 0
	}))
	assert.Equal(t, []identity.ID{holders[0]}, got, "only the confirmed holder is recorded, once")
}

func TestTransferGivesUpAfterRetries(t *testing.T) {
	c := newCluster(t, 2, func(cfg *Config) {
		cfg.TransferRetries = 2
		cfg.TransferBackoff = 10 * time.Millisecond
	})
	ctx := context.Background()
	ids := c.ids()
	holder, other := c.vaults[ids[0]], ids[1]

	// A key owned by the other node, which never answers.
	var key identity.ID
	for {
		key = identity.Random()
		if identity.Closest(key, ids, 1)[0] == other {
			break
		}
	}
	c.net.Silence(other, true)

	name := key
	raw, _ := json.Marshal(protocol.VersionRecord{Name: name, Current: identity.FromName("x"), Seq: 1})
	require.NoError(t, holder.do(ctx, func() {
		_, _ = holder.version.merge(ctx, name, raw)
		holder.churn.rebalance("test")
	}))

	st, err := holder.TransferState(ctx, protocol.VersionHandler)
	require.NoError(t, err)
	assert.Equal(t, Transferring, st)

	require.True(t, testutil.Eventually(t, settle, func() bool {
		st, err := holder.TransferState(ctx, protocol.VersionHandler)
		return err == nil && st == Stable
	}), "transfer should stop after its retries")

	kept := false
	require.NoError(t, holder.do(ctx, func() { _, kept = holder.version.records[name] }))
	assert.True(t, kept, "an unacknowledged record stays with the sender")
}

func testMail(id string, sender, recipient identity.ID, arrival uint64) protocol.MailMessage {
	return protocol.MailMessage{ID: id, Sender: sender, Recipient: recipient, Body: []byte(id), Arrival: arrival}
}

func TestMailboxMergeIsUnion(t *testing.T) {
	c := newCluster(t, 3)
	ctx := context.Background()
	owner, sender, peer := identity.Random(), identity.Random(), identity.Random()
	v := c.other()

	// Delivered here after the churn: m2 and m3. The transferred copy from
	// the previous owner holds m1 and the consumption of m3.
	local := &mailbox{
		Owner:       owner,
		Inbox:       []protocol.MailMessage{testMail("m2", sender, owner, 1), testMail("m3", sender, owner, 2)},
		Outbox:      []protocol.OutboxEntry{{Message: testMail("o1", owner, peer, 0)}},
		NextArrival: 2,
		Seq:         5,
	}
	transferred := mailbox{
		Owner:       owner,
		Inbox:       []protocol.MailMessage{testMail("m1", sender, owner, 7)},
		Outbox:      []protocol.OutboxEntry{{Message: testMail("o1", owner, peer, 0), Delivered: true}},
		Removals:    []outboxRemoval{{MessageID: "m3", Sender: sender}},
		NextArrival: 7,
		Seq:         1,
	}
	raw, err := json.Marshal(transferred)
	require.NoError(t, err)

	var applied [2]bool
	var errs [2]error
	var got mailbox
	require.NoError(t, v.do(ctx, func() {
		v.mpid.boxes[owner] = local
		applied[0], errs[0] = v.mpid.merge(ctx, owner, raw)
		applied[1], errs[1] = v.mpid.merge(ctx, owner, raw)
		got = v.mpid.boxes[owner].clone()
	}))
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.True(t, applied[0])
	assert.False(t, applied[1], "merging the same mailbox twice changes nothing")

	ids := make([]string, len(got.Inbox))
	for i, m := range got.Inbox {
		ids[i] = m.ID
	}
	assert.Equal(t, []string{"m2", "m1"}, ids, "m1 survives and the consumed m3 stays consumed")
	assert.Greater(t, got.Inbox[1].Arrival, got.Inbox[0].Arrival)
	assert.Greater(t, got.NextArrival, got.Inbox[1].Arrival)

	require.Len(t, got.Outbox, 1)
	assert.True(t, got.Outbox[0].Delivered)
	require.Len(t, got.Removals, 1)
	assert.Equal(t, "m3", got.Removals[0].MessageID)
	assert.Greater(t, got.Seq, uint64(5))
}

func TestAccountWithPendingPutIsNotTransferred(t *testing.T) {
	c := newCluster(t, 3)
	ctx := context.Background()
	client := identity.Random()

	_, err := c.other().CreateAccount(ctx, client, 1000)
	require.NoError(t, err)
	old := c.owner(client)

	// A put is in flight on the current owner.
	chunk := identity.FromContent([]byte("in flight"))
	var reserveErr error
	require.NoError(t, old.do(ctx, func() {
		reserveErr = old.maid.accounts.Reserve(client, chunk, 400)
	}))
	require.NoError(t, reserveErr)

	// A node closer to the client joins.
	var closer identity.ID
	for {
		closer = identity.Random()
		if identity.Closest(client, append(c.ids(), closer), 1)[0] == closer {
			break
		}
	}
	next := c.joinAs(closer)

	time.Sleep(10 * c.cfg.TransferBackoff)
	assert.True(t, holdsAccount(t, old, client), "an account with a pending reservation stays put")
	st, err := old.TransferState(ctx, protocol.MaidManager)
	require.NoError(t, err)
	assert.Equal(t, Stable, st)

	// The put commits; the settled account is handed to the new owner.
	var commitErr error
	require.NoError(t, old.do(ctx, func() {
		commitErr = old.maid.accounts.Commit(ctx, client, chunk)
		old.churn.handoff(old.maid, client)
	}))
	require.NoError(t, commitErr)

	require.True(t, testutil.Eventually(t, settle, func() bool {
		return holdsAccount(t, next, client) && !holdsAccount(t, old, client)
	}), "the account should move once the put settles")

	info, err := c.other().Account(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, int64(400), info.Used)
	assert.Equal(t, 1, info.Chunks)
}
