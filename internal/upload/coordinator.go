// Package upload manages chunked, resumable file-transfer sessions. A
// completed upload yields a durable file id that messages reference as
// metadata; the session itself never touches the delivery pipeline.
package upload

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"chat4all-service/internal/blobstore"
	"chat4all-service/internal/observability"
)

var (
	ErrSizeLimit        = errors.New("declared size exceeds upload limit")
	ErrSessionNotFound  = errors.New("upload session not found")
	ErrSessionExpired   = errors.New("upload session expired")
	ErrSessionCompleted = errors.New("upload session already completed")
	ErrChunkMismatch    = errors.New("chunk validation failed")
	ErrFileNotFound     = errors.New("file not found")
)

// Session states.
const (
	StateInitiated = "INITIATED"
	StateCompleted = "COMPLETED"
	StateExpired   = "EXPIRED"
)

type chunkInfo struct {
	Checksum string `json:"checksum"`
	Size     int    `json:"size"`
}

type session struct {
	mu             sync.Mutex
	id             string
	filename       string
	conversationID string
	declaredSize   int64
	declaredTotal  int
	chunkSize      int64
	deadline       time.Time
	chunks         map[int]chunkInfo
	completed      bool
	result         CompleteResult
}

// InitiateResult is returned by Initiate.
type InitiateResult struct {
	UploadID  string `json:"upload_id"`
	ChunkSize int64  `json:"chunk_size"`
	ExpiresIn int64  `json:"expires_in"`
}

// ChunkResult acknowledges one accepted chunk.
type ChunkResult struct {
	ChunkNumber int    `json:"chunk_number"`
	Checksum    string `json:"checksum"`
	Size        int    `json:"size"`
}

// ChunkRef is the client's view of one uploaded chunk, passed to Complete.
type ChunkRef struct {
	ChunkNumber int    `json:"chunk_number"`
	Checksum    string `json:"checksum"`
}

// CompleteResult is the terminal result of a session.
type CompleteResult struct {
	FileID string `json:"file_id"`
	Size   int64  `json:"size"`
	Status string `json:"status"`
}

type manifest struct {
	FileID         string      `json:"file_id"`
	Filename       string      `json:"filename"`
	ConversationID string      `json:"conversation_id"`
	Size           int64       `json:"size"`
	Chunks         []chunkInfo `json:"chunks"`
	UploadedAt     string      `json:"uploaded_at"`
	Status         string      `json:"status"`
}

// Coordinator owns upload sessions. Sessions are independent; chunk-map
// mutation serializes per session through the session mutex.
type Coordinator struct {
	mu        sync.RWMutex
	sessions  map[string]*session
	completed map[string]CompleteResult // file id -> result

	store     blobstore.ObjectStore
	maxSize   int64
	chunkSize int64
	expiry    time.Duration
	now       func() time.Time
}

// NewCoordinator constructs a Coordinator. maxSize caps the declared upload
// size (2 GiB policy default upstream); chunkSize is fixed, not negotiated.
func NewCoordinator(store blobstore.ObjectStore, maxSize, chunkSize int64, expiry time.Duration) *Coordinator {
	return &Coordinator{
		sessions:  make(map[string]*session),
		completed: make(map[string]CompleteResult),
		store:     store,
		maxSize:   maxSize,
		chunkSize: chunkSize,
		expiry:    expiry,
		now:       time.Now,
	}
}

// Initiate opens a session. The upload id is derived from conversation,
// filename and creation time so bursts of identical requests stay distinct
// per second without a central id allocator.
func (c *Coordinator) Initiate(filename string, declaredSize int64, conversationID string) (InitiateResult, error) {
	if declaredSize <= 0 || filename == "" || conversationID == "" {
		return InitiateResult{}, fmt.Errorf("%w: filename, size and conversation are required", ErrChunkMismatch)
	}
	if declaredSize > c.maxSize {
		return InitiateResult{}, fmt.Errorf("%w: %d > %d", ErrSizeLimit, declaredSize, c.maxSize)
	}

	// Deterministic per (conversation, filename, second): a retried initiate
	// in the same request burst lands on the same session instead of leaking
	// a second one. Hex keeps the id path-safe for routes and object keys.
	now := c.now()
	seed := fmt.Sprintf("%s/%s-%d", conversationID, filename, now.Unix())
	sum := md5.Sum([]byte(seed))
	id := hex.EncodeToString(sum[:])

	sess := &session{
		id:             id,
		filename:       filename,
		conversationID: conversationID,
		declaredSize:   declaredSize,
		chunkSize:      c.chunkSize,
		deadline:       now.Add(c.expiry),
		chunks:         make(map[int]chunkInfo),
	}

	c.mu.Lock()
	if existing, ok := c.sessions[id]; ok {
		// Same-burst retry of initiate: reuse the open session rather than
		// discarding its accepted chunks.
		c.mu.Unlock()
		existing.mu.Lock()
		remaining := int64(existing.deadline.Sub(now).Seconds())
		existing.mu.Unlock()
		return InitiateResult{UploadID: id, ChunkSize: c.chunkSize, ExpiresIn: remaining}, nil
	}
	c.sessions[id] = sess
	c.mu.Unlock()

	return InitiateResult{
		UploadID:  id,
		ChunkSize: c.chunkSize,
		ExpiresIn: int64(c.expiry.Seconds()),
	}, nil
}

// AcceptChunk stages one chunk and records its checksum. Re-sending a chunk
// number overwrites the prior record, which is how a client retries a single
// chunk. Concurrent chunks for the same session serialize on the session lock.
func (c *Coordinator) AcceptChunk(ctx context.Context, uploadID string, chunkNumber int, data []byte, declaredTotal int) (ChunkResult, error) {
	sess, err := c.lookup(uploadID)
	if err != nil {
		return ChunkResult{}, err
	}
	if chunkNumber < 0 || (declaredTotal > 0 && chunkNumber >= declaredTotal) {
		return ChunkResult{}, fmt.Errorf("%w: chunk number %d out of range", ErrChunkMismatch, chunkNumber)
	}
	if int64(len(data)) > sess.chunkSize {
		return ChunkResult{}, fmt.Errorf("%w: chunk %d exceeds %d bytes", ErrChunkMismatch, chunkNumber, sess.chunkSize)
	}

	// Fail fast on expired sessions before touching the blob store; the
	// deadline is re-checked under the session lock.
	if c.now().After(sess.deadline) {
		return ChunkResult{}, ErrSessionExpired
	}

	sum := md5.Sum(data)
	checksum := hex.EncodeToString(sum[:])

	// Stage bytes before taking the lock; the object key is unique per chunk
	// number so a concurrent retry of the same chunk is last-write-wins in
	// both places.
	key := fmt.Sprintf("uploads/%s/chunk-%04d", uploadID, chunkNumber)
	if err := c.store.Put(ctx, key, data, "application/octet-stream"); err != nil {
		return ChunkResult{}, fmt.Errorf("stage chunk: %w", err)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if c.now().After(sess.deadline) {
		return ChunkResult{}, ErrSessionExpired
	}
	if sess.completed {
		return ChunkResult{}, ErrSessionCompleted
	}
	if declaredTotal > 0 {
		if sess.declaredTotal == 0 {
			sess.declaredTotal = declaredTotal
		} else if sess.declaredTotal != declaredTotal {
			return ChunkResult{}, fmt.Errorf("%w: declared total changed from %d to %d", ErrChunkMismatch, sess.declaredTotal, declaredTotal)
		}
	}

	sess.chunks[chunkNumber] = chunkInfo{Checksum: checksum, Size: len(data)}
	observability.ObserveUploadChunk(len(data))

	return ChunkResult{ChunkNumber: chunkNumber, Checksum: checksum, Size: len(data)}, nil
}

// Complete validates the client's chunk list against the recorded checksums
// and finalizes the session. A mismatch leaves the session incomplete with
// all accepted chunks intact, so a corrected retry can succeed. A second
// Complete on a completed session returns the stored result.
func (c *Coordinator) Complete(ctx context.Context, uploadID string, chunkList []ChunkRef) (CompleteResult, error) {
	sess, err := c.lookup(uploadID)
	if err != nil {
		return CompleteResult{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.completed {
		return sess.result, nil
	}
	if c.now().After(sess.deadline) {
		return CompleteResult{}, ErrSessionExpired
	}
	if len(chunkList) == 0 {
		return CompleteResult{}, fmt.Errorf("%w: no chunks declared", ErrChunkMismatch)
	}

	if len(chunkList) != len(sess.chunks) {
		return CompleteResult{}, fmt.Errorf("%w: declared %d chunks, received %d", ErrChunkMismatch, len(chunkList), len(sess.chunks))
	}
	if sess.declaredTotal > 0 && len(chunkList) != sess.declaredTotal {
		return CompleteResult{}, fmt.Errorf("%w: session declared %d chunks, finalizing %d", ErrChunkMismatch, sess.declaredTotal, len(chunkList))
	}

	seen := make(map[int]struct{}, len(chunkList))
	for _, ref := range chunkList {
		if _, dup := seen[ref.ChunkNumber]; dup {
			return CompleteResult{}, fmt.Errorf("%w: duplicate chunk %d", ErrChunkMismatch, ref.ChunkNumber)
		}
		seen[ref.ChunkNumber] = struct{}{}

		rec, ok := sess.chunks[ref.ChunkNumber]
		if !ok {
			return CompleteResult{}, fmt.Errorf("%w: missing chunk %d", ErrChunkMismatch, ref.ChunkNumber)
		}
		if rec.Checksum != ref.Checksum {
			return CompleteResult{}, fmt.Errorf("%w: checksum disagreement on chunk %d", ErrChunkMismatch, ref.ChunkNumber)
		}
	}

	// Contiguity from 0 (or 1) through the declared total, no gaps.
	numbers := make([]int, 0, len(seen))
	for n := range seen {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	base := numbers[0]
	if base != 0 && base != 1 {
		return CompleteResult{}, fmt.Errorf("%w: chunks must start at 0 or 1", ErrChunkMismatch)
	}
	for i, n := range numbers {
		if n != base+i {
			return CompleteResult{}, fmt.Errorf("%w: gap before chunk %d", ErrChunkMismatch, n)
		}
	}

	var total int64
	ordered := make([]chunkInfo, 0, len(numbers))
	chunkKeys := make([]string, 0, len(numbers))
	for i, n := range numbers {
		rec := sess.chunks[n]
		// Every chunk but the last must be full-size; the compose step
		// cannot place a short part mid-object.
		if i < len(numbers)-1 && int64(rec.Size) != sess.chunkSize {
			return CompleteResult{}, fmt.Errorf("%w: chunk %d is %d bytes, expected %d", ErrChunkMismatch, n, rec.Size, sess.chunkSize)
		}
		total += int64(rec.Size)
		ordered = append(ordered, rec)
		chunkKeys = append(chunkKeys, fmt.Sprintf("uploads/%s/chunk-%04d", uploadID, n))
	}

	// Server-side assembly: the blob store composes the staged chunks into
	// the downloadable object.
	if err := c.store.Compose(ctx, "uploads/"+uploadID+"/file", chunkKeys); err != nil {
		return CompleteResult{}, fmt.Errorf("compose object: %w", err)
	}

	man := manifest{
		FileID:         sess.id,
		Filename:       sess.filename,
		ConversationID: sess.conversationID,
		Size:           total,
		Chunks:         ordered,
		UploadedAt:     c.now().UTC().Format(time.RFC3339Nano),
		Status:         StateCompleted,
	}
	body, err := json.Marshal(man)
	if err != nil {
		return CompleteResult{}, err
	}
	if err := c.store.Put(ctx, "uploads/"+uploadID+"/metadata.json", body, "application/json"); err != nil {
		return CompleteResult{}, fmt.Errorf("persist manifest: %w", err)
	}

	// Staged chunks are redundant once composed. Best effort: a leftover
	// chunk object is reclaimed by the external sweep.
	for _, key := range chunkKeys {
		if err := c.store.Delete(ctx, key); err != nil {
			log.Printf("upload %s: could not remove staged chunk %s: %v", uploadID, key, err)
		}
	}

	sess.completed = true
	sess.result = CompleteResult{FileID: sess.id, Size: total, Status: StateCompleted}

	c.mu.Lock()
	c.completed[sess.id] = sess.result
	c.mu.Unlock()

	return sess.result, nil
}

// PresignedDownloadURL delegates to the blob store for a completed upload.
func (c *Coordinator) PresignedDownloadURL(ctx context.Context, fileID string, expiresIn time.Duration) (string, error) {
	c.mu.RLock()
	_, ok := c.completed[fileID]
	c.mu.RUnlock()
	if !ok {
		return "", ErrFileNotFound
	}
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}
	return c.store.PresignedURL(ctx, "uploads/"+fileID+"/file", expiresIn)
}

// IsCompleted reports whether fileID names a completed upload. The pipeline
// uses it to validate file-reference payloads before submission.
func (c *Coordinator) IsCompleted(fileID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.completed[fileID]
	return ok
}

// SessionState exposes the session lifecycle for callers and the external
// reclaim sweep. Partial chunk objects of an EXPIRED session stay in the blob
// store for that sweep to collect.
func (c *Coordinator) SessionState(uploadID string) (string, error) {
	sess, err := c.lookup(uploadID)
	if err != nil {
		return "", err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	switch {
	case sess.completed:
		return StateCompleted, nil
	case c.now().After(sess.deadline):
		return StateExpired, nil
	default:
		return StateInitiated, nil
	}
}

func (c *Coordinator) lookup(uploadID string) (*session, error) {
	c.mu.RLock()
	sess, ok := c.sessions[uploadID]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}
