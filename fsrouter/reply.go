package fsrouter

import (
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/netmesh/overlay/content"
	"github.com/netmesh/overlay/crypto"
	"github.com/netmesh/overlay/datastore"
)

// HandleDataReply implements spec.md §4.6's reply pipeline for CHK and
// 3HASH (keyword) replies. For CHK blocks (data, inode) the query hash is
// recomputed from the payload as H(payload, type) and checked against
// the wire-carried value, exactly as content.EncodeDataBlock/NewInodeBlock
// derive it on the producing side. A keyword block's query is H(H(the
// keyword)); a router relaying an encrypted keyword reply never learns the
// keyword, so it cannot recompute that hash from the ciphertext alone and
// instead trusts the wire-carried query hash for routing-table lookup,
// same limitation the original 3HASH handler has.
func (r *Router) HandleDataReply(sender Waiter, reply DataReply) error {
	if reply.BlockType != content.TypeKeyword {
		recomputed := content.Query(crypto.Hash256(reply.Payload, []byte{byte(reply.BlockType)}))
		if recomputed != reply.QueryHash {
			r.reg.Counter("fsrouter/dropped/malformed").Inc(1)
			return nil
		}
	}
	return r.handleVerifiedReply(sender, reply.QueryHash, reply.BlockType, reply.Payload)
}

// HandleSignedReply implements spec.md §4.6's reply pipeline for signed
// namespace blocks: the query hash is the namespace routing identifier,
// and the signature must verify against the identity derived from the
// namespace public key (content.VerifySigned).
func (r *Router) HandleSignedReply(sender Waiter, reply SignedReply) error {
	block := content.SignedBlock{
		NamespacePub: reply.NamespacePub,
		UpdateID:     reply.UpdateID,
		Ciphertext:   reply.Ciphertext,
		Signature:    reply.Signature,
	}
	if !content.VerifySigned(reply.NamespacePub.Identity(), block) {
		r.reg.Counter("fsrouter/dropped/malformed").Inc(1)
		return nil
	}
	// Signed blocks are stored and re-forwarded as their full self-contained
	// wire encoding (namespace key, update id, ciphertext, signature), not
	// just the ciphertext, so a later hop can re-verify the signature
	// independently rather than trusting this hop's verification.
	return r.handleVerifiedReply(sender, block.Query(), content.TypeSigned, reply.Encode())
}

func (r *Router) handleVerifiedReply(sender Waiter, queryHash content.Query, blockType content.Type, payload []byte) error {
	contentHash := xxhash.Sum64(payload)
	waiters, score, found := r.table.UseReply(queryHash, contentHash)
	if found {
		for _, w := range waiters {
			r.replyTo(w, queryHash, blockType, payload)
			r.reg.Counter("fsrouter/replies/forwarded").Inc(1)
		}
	}

	if sender.Local || sender.Peer.Equal(r.self) {
		return nil
	}

	r.evaluateMigration(queryHash, blockType, payload, score)
	return nil
}

// evaluateMigration implements spec.md §4.6 reply step 4: a negative
// score vetoes replication entirely; otherwise the reply is inserted into
// the content store at max(score, priorityFloor(blockType)). Store.Put
// already tracks bloom-filter state itself, so there is nothing further
// to do on a successful (non-duplicate-rejected) insert.
func (r *Router) evaluateMigration(queryHash content.Query, blockType content.Type, payload []byte, score int32) {
	if score < 0 {
		return
	}
	priority := priorityFloor(blockType)
	if uint32(score) > priority {
		priority = uint32(score)
	}

	inserted, err := r.store.Put(datastore.Entry{
		Key:        queryHash,
		Type:       blockType,
		Priority:   priority,
		Expiration: time.Now().Add(defaultContentLifetime),
		Payload:    payload,
	})
	if err != nil {
		r.log.Warn("fsrouter: migration insert failed", "err", err)
		return
	}
	if inserted {
		r.reg.Counter("fsrouter/migrated").Inc(1)
	}
}

// defaultContentLifetime bounds how long a migrated reply is kept before
// its expiration makes it eligible for eviction; the original did not
// grant migrated content a longer horizon than locally inserted content,
// so this reuses the same one.
const defaultContentLifetime = 24 * time.Hour
