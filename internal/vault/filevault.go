package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/sourav673/privitty-go/internal/crypto/pairwise"
	"github.com/sourav673/privitty-go/internal/protocol"
)

const (
	stateVersion   = 1
	argonTime      = 1
	argonMemory    = 64 * 1024
	argonThreads   = 4
	argonKeyLength = 32
	nonceSize      = chacha20poly1305.NonceSizeX

	eventBufferSize = 128

	// EncryptedSuffix marks sealed attachment copies on disk.
	EncryptedSuffix = ".prv"

	chatVersionHeader = "Chat-Version:"
)

// PDU steps understood by the reference vault. The envelope is opaque to
// the engine; only two vaults ever see the inside.
const (
	stepAdd         = "add"
	stepComplete    = "complete"
	stepConclude    = "conclude"
	stepSSSRequest  = "sss_request"
	stepOTSP        = "otsp"
	stepSSSResponse = "sss_response"
	stepSSSRevoke   = "sss_revoke"
)

type pduEnvelope struct {
	Step    string `json:"step"`
	ChatID  string `json:"chat_id"`
	Public  []byte `json:"public,omitempty"`
	File    string `json:"file,omitempty"`
	Nonce   []byte `json:"nonce,omitempty"`
	Wrapped []byte `json:"wrapped,omitempty"`
}

type chatRecord struct {
	ChatID       string    `json:"chat_id"`
	LocalPublic  []byte    `json:"local_public"`
	LocalPrivate []byte    `json:"local_private"`
	PeerPublic   []byte    `json:"peer_public,omitempty"`
	Secret       []byte    `json:"secret,omitempty"`
	Concluded    bool      `json:"concluded"`
	CreatedAt    time.Time `json:"created_at"`
}

type fileRecord struct {
	ChatID    string    `json:"chat_id"`
	Name      string    `json:"name"`
	Owner     bool      `json:"owner"`
	Key       []byte    `json:"key,omitempty"`
	Revoked   bool      `json:"revoked"`
	Requests  int       `json:"requests"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditEntry is a durable local record of a session-lifecycle event.
type AuditEntry struct {
	ChatID string    `json:"chat_id"`
	FromID string    `json:"from_id"`
	Text   string    `json:"text"`
	Kind   string    `json:"kind"`
	At     time.Time `json:"at"`
}

type vaultState struct {
	Chats map[string]*chatRecord `json:"chats"`
	Files map[string]*fileRecord `json:"files"`
	Audit []AuditEntry           `json:"audit,omitempty"`
}

type stateFile struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// FileVault is the reference vault: state sealed to a single file with a
// passphrase-derived master key, X25519 handshakes, and per-file keys
// expanded from the chat secret.
type FileVault struct {
	log  *zap.Logger
	path string

	mu     sync.Mutex
	master []byte
	salt   []byte
	state  vaultState

	emit   func(protocol.Event)
	events chan protocol.Event
	done   chan struct{}
	once   sync.Once
}

// Config wires a FileVault.
type Config struct {
	// Path is the sealed state file.
	Path string
	Log  *zap.Logger
}

// Open unlocks the vault at cfg.Path, initializing a fresh state file when
// none exists yet.
func Open(cfg Config, passphrase string) (*FileVault, error) {
	if cfg.Path == "" {
		return nil, errors.New("vault path is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase required: %w", ErrInvalidPass)
	}

	v := &FileVault{
		log:    cfg.Log,
		path:   cfg.Path,
		events: make(chan protocol.Event, eventBufferSize),
		done:   make(chan struct{}),
		state: vaultState{
			Chats: make(map[string]*chatRecord),
			Files: make(map[string]*fileRecord),
		},
	}

	raw, err := os.ReadFile(cfg.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read vault state: %w", err)
		}
		if err := v.initialize(passphrase); err != nil {
			return nil, err
		}
		cfg.Log.Info("initialized new vault", zap.String("path", cfg.Path))
		return v, nil
	}

	if err := v.unlock(raw, passphrase); err != nil {
		return nil, err
	}
	cfg.Log.Info("vault unlocked", zap.String("path", cfg.Path))
	return v, nil
}

func (v *FileVault) initialize(passphrase string) error {
	if err := os.MkdirAll(filepath.Dir(v.path), 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("create vault directory: %w", err)
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	v.salt = salt
	v.master = deriveMasterKey(passphrase, salt)
	return v.persistLocked()
}

func (v *FileVault) unlock(raw []byte, passphrase string) error {
	var file stateFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("decode vault state: %w", ErrCorruptState)
	}
	if file.Version != stateVersion {
		return fmt.Errorf("unsupported vault version %d: %w", file.Version, ErrCorruptState)
	}
	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil {
		return fmt.Errorf("decode salt: %w", ErrCorruptState)
	}
	nonce, err := base64.StdEncoding.DecodeString(file.Nonce)
	if err != nil {
		return fmt.Errorf("decode nonce: %w", ErrCorruptState)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(file.Ciphertext)
	if err != nil {
		return fmt.Errorf("decode ciphertext: %w", ErrCorruptState)
	}

	master := deriveMasterKey(passphrase, salt)
	plaintext, err := open(master, nonce, ciphertext)
	if err != nil {
		pairwise.Zero(master)
		return err
	}
	defer pairwise.Zero(plaintext)

	var state vaultState
	if err := json.Unmarshal(plaintext, &state); err != nil {
		pairwise.Zero(master)
		return fmt.Errorf("unmarshal vault state: %w", ErrCorruptState)
	}
	if state.Chats == nil {
		state.Chats = make(map[string]*chatRecord)
	}
	if state.Files == nil {
		state.Files = make(map[string]*fileRecord)
	}

	v.master = master
	v.salt = salt
	v.state = state
	return nil
}

// Start installs the status emitter and launches the event consumer. It
// reports vault readiness as the first status.
func (v *FileVault) Start(ctx context.Context, emit func(protocol.Event)) {
	v.emit = emit
	go v.consume(ctx)
	v.report(protocol.StatusEvent(protocol.StatusVaultIsReady, "", nil))
}

func (v *FileVault) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-v.done:
			return
		case ev := <-v.events:
			v.handle(ev)
		}
	}
}

// ProduceEvent queues a protocol event for asynchronous consumption.
func (v *FileVault) ProduceEvent(ev protocol.Event) error {
	select {
	case <-v.done:
		return ErrClosed
	default:
	}
	select {
	case v.events <- ev:
		return nil
	case <-v.done:
		return ErrClosed
	}
}

// Close stops the consumer. Pending events are dropped.
func (v *FileVault) Close() error {
	v.once.Do(func() { close(v.done) })
	return nil
}

func (v *FileVault) report(ev protocol.Event) {
	if v.emit == nil {
		return
	}
	v.emit(ev)
}

func (v *FileVault) handle(ev protocol.Event) {
	switch ev.Kind {
	case protocol.KindAddNewPeer:
		v.handleAddPeer(ev.ChatID)
	case protocol.KindReceivedPeerPDU:
		v.handlePDU(ev.ChatID, ev.PDU)
	default:
		// Advisory kinds carry no vault work.
	}
}

func (v *FileVault) handleAddPeer(chatID string) {
	v.mu.Lock()
	if _, exists := v.state.Chats[chatID]; exists {
		v.mu.Unlock()
		v.report(protocol.StatusEvent(protocol.StatusPeerAlreadyAdded, chatID, nil))
		return
	}
	kp, err := pairwise.Generate(nil)
	if err != nil {
		v.mu.Unlock()
		v.log.Error("generate chat keypair", zap.Error(err), zap.String("chat_id", chatID))
		v.report(protocol.StatusEvent(protocol.StatusVaultFailed, chatID, nil))
		return
	}
	v.state.Chats[chatID] = &chatRecord{
		ChatID:       chatID,
		LocalPublic:  kp.Public,
		LocalPrivate: kp.Private,
		CreatedAt:    time.Now().UTC(),
	}
	err = v.persistLocked()
	v.mu.Unlock()
	if err != nil {
		v.log.Error("persist vault", zap.Error(err))
		v.report(protocol.StatusEvent(protocol.StatusVaultFailed, chatID, nil))
		return
	}

	pdu := v.marshalPDU(pduEnvelope{Step: stepAdd, ChatID: chatID, Public: kp.Public})
	v.report(protocol.StatusEvent(protocol.StatusSendPeerPDU, chatID, pdu))
}

func (v *FileVault) handlePDU(chatID string, raw []byte) {
	var pdu pduEnvelope
	if err := json.Unmarshal(raw, &pdu); err != nil {
		v.log.Warn("invalid peer pdu", zap.String("chat_id", chatID), zap.Error(err))
		v.report(protocol.StatusEvent(protocol.StatusInvalidRequest, chatID, nil))
		return
	}

	switch pdu.Step {
	case stepAdd:
		v.handleHandshakeAdd(chatID, pdu)
	case stepComplete:
		v.handleHandshakeComplete(chatID, pdu)
	case stepConclude:
		v.handleHandshakeConclude(chatID)
	case stepSSSRequest:
		v.handleShareRequest(chatID, pdu.File)
	case stepOTSP:
		v.handleShareGrant(chatID, pdu)
	case stepSSSResponse:
		v.report(statusWithFile(protocol.StatusPeerSSSResponse, chatID, pdu.File, nil))
	case stepSSSRevoke:
		v.handleShareRevoked(chatID, pdu.File)
	default:
		v.log.Warn("unknown pdu step", zap.String("chat_id", chatID), zap.String("step", pdu.Step))
		v.report(protocol.StatusEvent(protocol.StatusInvalidRequest, chatID, nil))
	}
}

// handleHandshakeAdd runs on the responder: adopt the initiator's public
// key and answer with our own.
func (v *FileVault) handleHandshakeAdd(chatID string, pdu pduEnvelope) {
	v.mu.Lock()
	rec, exists := v.state.Chats[chatID]
	if exists && rec.Concluded {
		v.mu.Unlock()
		v.report(protocol.StatusEvent(protocol.StatusPeerAlreadyAdded, chatID, nil))
		return
	}
	if !exists {
		kp, err := pairwise.Generate(nil)
		if err != nil {
			v.mu.Unlock()
			v.report(protocol.StatusEvent(protocol.StatusVaultFailed, chatID, nil))
			return
		}
		rec = &chatRecord{
			ChatID:       chatID,
			LocalPublic:  kp.Public,
			LocalPrivate: kp.Private,
			CreatedAt:    time.Now().UTC(),
		}
		v.state.Chats[chatID] = rec
	}

	secret, err := pairwise.ChatSecret(rec.LocalPrivate, pdu.Public)
	if err != nil {
		v.mu.Unlock()
		v.log.Warn("handshake add rejected", zap.String("chat_id", chatID), zap.Error(err))
		v.report(protocol.StatusEvent(protocol.StatusInvalidRequest, chatID, nil))
		return
	}
	rec.PeerPublic = append([]byte(nil), pdu.Public...)
	rec.Secret = secret
	// The responder's secret is complete as soon as the initiator's key
	// arrives; the conclude marker that follows is conversation cleanup.
	rec.Concluded = true
	persistErr := v.persistLocked()
	local := rec.LocalPublic
	v.mu.Unlock()

	if persistErr != nil {
		v.report(protocol.StatusEvent(protocol.StatusVaultFailed, chatID, nil))
		return
	}
	v.report(protocol.StatusEvent(protocol.StatusPeerAddAccepted, chatID, nil))
	reply := v.marshalPDU(pduEnvelope{Step: stepComplete, ChatID: chatID, Public: local})
	v.report(protocol.StatusEvent(protocol.StatusPeerAddComplete, chatID, reply))
}

// handleHandshakeComplete runs on the initiator: the peer answered, the
// secret is established, and the conclude marker goes out.
func (v *FileVault) handleHandshakeComplete(chatID string, pdu pduEnvelope) {
	v.mu.Lock()
	rec, exists := v.state.Chats[chatID]
	if !exists {
		v.mu.Unlock()
		v.report(protocol.StatusEvent(protocol.StatusInvalidRequest, chatID, nil))
		return
	}
	if rec.Concluded {
		v.mu.Unlock()
		v.report(protocol.StatusEvent(protocol.StatusPeerAlreadyAdded, chatID, nil))
		return
	}
	secret, err := pairwise.ChatSecret(rec.LocalPrivate, pdu.Public)
	if err != nil {
		v.mu.Unlock()
		v.log.Warn("handshake complete rejected", zap.String("chat_id", chatID), zap.Error(err))
		v.report(protocol.StatusEvent(protocol.StatusInvalidRequest, chatID, nil))
		return
	}
	rec.PeerPublic = append([]byte(nil), pdu.Public...)
	rec.Secret = secret
	rec.Concluded = true
	persistErr := v.persistLocked()
	v.mu.Unlock()

	if persistErr != nil {
		v.report(protocol.StatusEvent(protocol.StatusVaultFailed, chatID, nil))
		return
	}
	v.report(protocol.StatusEvent(protocol.StatusPeerAddAccepted, chatID, nil))
	v.report(protocol.StatusEvent(protocol.StatusPeerAddComplete, chatID, nil))
	conclude := v.marshalPDU(pduEnvelope{Step: stepConclude, ChatID: chatID})
	v.report(protocol.StatusEvent(protocol.StatusPeerAddConcluded, chatID, conclude))
}

func (v *FileVault) handleHandshakeConclude(chatID string) {
	v.mu.Lock()
	rec, exists := v.state.Chats[chatID]
	if !exists {
		v.mu.Unlock()
		v.report(protocol.StatusEvent(protocol.StatusInvalidRequest, chatID, nil))
		return
	}
	if rec.Concluded {
		v.mu.Unlock()
		v.report(protocol.StatusEvent(protocol.StatusPeerAlreadyAdded, chatID, nil))
		return
	}
	rec.Concluded = true
	persistErr := v.persistLocked()
	v.mu.Unlock()

	if persistErr != nil {
		v.report(protocol.StatusEvent(protocol.StatusVaultFailed, chatID, nil))
		return
	}
	v.report(protocol.StatusEvent(protocol.StatusPeerAddConcluded, chatID, nil))
}

// handleShareRequest runs on the owner: a peer asked for a file key. The
// reference vault grants automatically by wrapping the key into an OTSP.
func (v *FileVault) handleShareRequest(chatID, name string) {
	v.mu.Lock()
	rec := v.state.Chats[chatID]
	file := v.state.Files[fileID(chatID, name)]
	if rec == nil || !rec.Concluded || file == nil || !file.Owner {
		v.mu.Unlock()
		v.report(statusWithFile(protocol.StatusFileInaccessible, chatID, name, nil))
		return
	}
	if file.Revoked {
		v.mu.Unlock()
		// Let the requester learn the terminal answer.
		pdu := v.marshalPDU(pduEnvelope{Step: stepSSSRevoke, ChatID: chatID, File: name})
		v.report(statusWithFile(protocol.StatusPeerSSSRevoked, chatID, name, pdu))
		return
	}

	wrapKey, err := pairwise.VaultKey(rec.Secret, chatID)
	if err != nil {
		v.mu.Unlock()
		v.report(protocol.StatusEvent(protocol.StatusVaultFailed, chatID, nil))
		return
	}
	defer pairwise.Zero(wrapKey)

	nonce, wrapped, err := seal(wrapKey, file.Key)
	if err != nil {
		v.mu.Unlock()
		v.report(protocol.StatusEvent(protocol.StatusVaultFailed, chatID, nil))
		return
	}
	file.Requests++
	file.UpdatedAt = time.Now().UTC()
	persistErr := v.persistLocked()
	v.mu.Unlock()

	if persistErr != nil {
		v.report(protocol.StatusEvent(protocol.StatusVaultFailed, chatID, nil))
		return
	}
	v.report(statusWithFile(protocol.StatusPeerSSSRequest, chatID, name, nil))
	pdu := v.marshalPDU(pduEnvelope{Step: stepOTSP, ChatID: chatID, File: name, Nonce: nonce, Wrapped: wrapped})
	v.report(statusWithFile(protocol.StatusPeerOTSPSSS, chatID, name, pdu))
}

// handleShareGrant runs on the requester: unwrap the one-time share and
// acknowledge the grant.
func (v *FileVault) handleShareGrant(chatID string, pdu pduEnvelope) {
	v.mu.Lock()
	rec := v.state.Chats[chatID]
	if rec == nil || !rec.Concluded {
		v.mu.Unlock()
		v.report(protocol.StatusEvent(protocol.StatusInvalidRequest, chatID, nil))
		return
	}
	wrapKey, err := pairwise.VaultKey(rec.Secret, chatID)
	if err != nil {
		v.mu.Unlock()
		v.report(protocol.StatusEvent(protocol.StatusVaultFailed, chatID, nil))
		return
	}
	key, err := open(wrapKey, pdu.Nonce, pdu.Wrapped)
	pairwise.Zero(wrapKey)
	if err != nil {
		v.mu.Unlock()
		v.log.Warn("otsp unwrap failed", zap.String("chat_id", chatID), zap.String("file", pdu.File), zap.Error(err))
		v.report(statusWithFile(protocol.StatusInvalidFile, chatID, pdu.File, nil))
		return
	}
	v.state.Files[fileID(chatID, pdu.File)] = &fileRecord{
		ChatID:    chatID,
		Name:      pdu.File,
		Key:       key,
		UpdatedAt: time.Now().UTC(),
	}
	persistErr := v.persistLocked()
	v.mu.Unlock()

	if persistErr != nil {
		v.report(protocol.StatusEvent(protocol.StatusVaultFailed, chatID, nil))
		return
	}
	ack := v.marshalPDU(pduEnvelope{Step: stepSSSResponse, ChatID: chatID, File: pdu.File})
	v.report(statusWithFile(protocol.StatusPeerSSSResponse, chatID, pdu.File, ack))
}

func (v *FileVault) handleShareRevoked(chatID, name string) {
	v.mu.Lock()
	if file, ok := v.state.Files[fileID(chatID, name)]; ok && !file.Owner {
		pairwise.Zero(file.Key)
		file.Key = nil
		file.Revoked = true
		file.UpdatedAt = time.Now().UTC()
	}
	persistErr := v.persistLocked()
	v.mu.Unlock()

	if persistErr != nil {
		v.report(protocol.StatusEvent(protocol.StatusVaultFailed, chatID, nil))
		return
	}
	v.report(statusWithFile(protocol.StatusPeerSSSRevoked, chatID, name, nil))
}

// EncryptFile seals path/name with the per-file key and writes a sibling
// copy with the encrypted suffix.
func (v *FileVault) EncryptFile(ctx context.Context, chatID, path, name string) (string, protocol.Status, error) {
	if err := ctx.Err(); err != nil {
		return "", protocol.StatusFileEncryptionFailed, err
	}

	v.mu.Lock()
	rec := v.state.Chats[chatID]
	if rec == nil || len(rec.Secret) == 0 {
		v.mu.Unlock()
		return "", protocol.StatusFileEncryptionFailed, fmt.Errorf("chat %s has no established secret", chatID)
	}
	key, err := pairwise.FileKey(rec.Secret, chatID, name)
	if err != nil {
		v.mu.Unlock()
		return "", protocol.StatusFileEncryptionFailed, err
	}
	v.mu.Unlock()
	defer pairwise.Zero(key)

	plain, err := os.ReadFile(filepath.Join(path, name))
	if err != nil {
		return "", protocol.StatusFileInaccessible, fmt.Errorf("read attachment: %w", err)
	}
	nonce, sealed, err := seal(key, plain)
	if err != nil {
		return "", protocol.StatusFileEncryptionFailed, err
	}
	out := filepath.Join(path, name+EncryptedSuffix)
	if err := os.WriteFile(out, append(nonce, sealed...), 0o600); err != nil {
		return "", protocol.StatusFileEncryptionFailed, fmt.Errorf("write sealed attachment: %w", err)
	}

	v.mu.Lock()
	v.state.Files[fileID(chatID, name)] = &fileRecord{
		ChatID:    chatID,
		Name:      name,
		Owner:     true,
		Key:       append([]byte(nil), key...),
		UpdatedAt: time.Now().UTC(),
	}
	persistErr := v.persistLocked()
	v.mu.Unlock()
	if persistErr != nil {
		return "", protocol.StatusFileEncryptionFailed, persistErr
	}

	return out, protocol.StatusFileEncrypted, nil
}

// DecryptFile recovers path/name from its sealed copy. Without a share it
// raises a secret-sharing request and reports StatusAwaitingPeerAuth.
func (v *FileVault) DecryptFile(ctx context.Context, chatID, path, name string) (string, protocol.Status, error) {
	if err := ctx.Err(); err != nil {
		return "", protocol.StatusFileDecryptionFailed, err
	}

	v.mu.Lock()
	rec := v.state.Chats[chatID]
	file := v.state.Files[fileID(chatID, name)]

	if file != nil && file.Revoked {
		v.mu.Unlock()
		return "", protocol.StatusFileInaccessible, errors.New("access revoked")
	}
	if file == nil || len(file.Key) == 0 {
		concluded := rec != nil && rec.Concluded
		v.mu.Unlock()
		if !concluded {
			return "", protocol.StatusFileInaccessible, errors.New("no trusted peer for chat")
		}
		pdu := v.marshalPDU(pduEnvelope{Step: stepSSSRequest, ChatID: chatID, File: name})
		v.report(statusWithFile(protocol.StatusPeerSSSRequest, chatID, name, pdu))
		return "", protocol.StatusAwaitingPeerAuth, nil
	}
	key := append([]byte(nil), file.Key...)
	v.mu.Unlock()
	defer pairwise.Zero(key)

	raw, err := os.ReadFile(filepath.Join(path, name+EncryptedSuffix))
	if err != nil {
		return "", protocol.StatusFileInaccessible, fmt.Errorf("read sealed attachment: %w", err)
	}
	if len(raw) < nonceSize {
		return "", protocol.StatusInvalidFile, errors.New("sealed attachment truncated")
	}
	plain, err := open(key, raw[:nonceSize], raw[nonceSize:])
	if err != nil {
		return "", protocol.StatusFileDecryptionFailed, fmt.Errorf("open sealed attachment: %w", err)
	}
	out := filepath.Join(path, name)
	if err := os.WriteFile(out, plain, 0o600); err != nil {
		return "", protocol.StatusFileDecryptionFailed, fmt.Errorf("write attachment: %w", err)
	}
	return out, protocol.StatusNone, nil
}

// RevokeFile withdraws the peer's access to a file this side owns and
// notifies the peer.
func (v *FileVault) RevokeFile(ctx context.Context, chatID, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	v.mu.Lock()
	file := v.state.Files[fileID(chatID, name)]
	if file == nil || !file.Owner {
		v.mu.Unlock()
		return fmt.Errorf("file %s in chat %s is not owned here", name, chatID)
	}
	file.Revoked = true
	file.UpdatedAt = time.Now().UTC()
	persistErr := v.persistLocked()
	v.mu.Unlock()
	if persistErr != nil {
		return persistErr
	}

	pdu := v.marshalPDU(pduEnvelope{Step: stepSSSRevoke, ChatID: chatID, File: name})
	v.report(statusWithFile(protocol.StatusPeerSSSRevoked, chatID, name, pdu))
	return nil
}

// RecordActivity appends a durable audit entry.
func (v *FileVault) RecordActivity(chatID, fromID, text, kind string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state.Audit = append(v.state.Audit, AuditEntry{
		ChatID: chatID,
		FromID: fromID,
		Text:   text,
		Kind:   kind,
		At:     time.Now().UTC(),
	})
	return v.persistLocked()
}

// Audit returns the recorded entries for a chat.
func (v *FileVault) Audit(chatID string) []AuditEntry {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []AuditEntry
	for _, entry := range v.state.Audit {
		if entry.ChatID == chatID {
			out = append(out, entry)
		}
	}
	return out
}

// IsPeerAdded reports whether a handshake record exists for the chat.
func (v *FileVault) IsPeerAdded(chatID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.state.Chats[chatID]
	return ok
}

// IsChatProtected reports whether the handshake concluded.
func (v *FileVault) IsChatProtected(chatID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, ok := v.state.Chats[chatID]
	return ok && rec.Concluded
}

// IsChatVersion reports whether the transport headers carry the marker all
// protocol-aware chat clients set.
func (v *FileVault) IsChatVersion(mimeHeaders string) bool {
	return strings.Contains(mimeHeaders, chatVersionHeader)
}

func (v *FileVault) marshalPDU(env pduEnvelope) []byte {
	raw, err := json.Marshal(env)
	if err != nil {
		v.log.Error("marshal pdu", zap.Error(err))
		return nil
	}
	return raw
}

func (v *FileVault) persistLocked() error {
	if len(v.master) == 0 {
		return ErrLocked
	}
	serialized, err := json.Marshal(v.state)
	if err != nil {
		return fmt.Errorf("marshal vault state: %w", err)
	}
	nonce, ciphertext, err := seal(v.master, serialized)
	pairwise.Zero(serialized)
	if err != nil {
		return err
	}

	payload := stateFile{
		Version:    stateVersion,
		Salt:       base64.StdEncoding.EncodeToString(v.salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode vault state: %w", err)
	}
	return os.WriteFile(v.path, raw, 0o600)
}

func statusWithFile(status protocol.Status, chatID, file string, pdu []byte) protocol.Event {
	ev := protocol.StatusEvent(status, chatID, pdu)
	ev.File = file
	return ev
}

func fileID(chatID, name string) string {
	return chatID + "/" + name
}

func deriveMasterKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLength)
}

func seal(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, fmt.Errorf("init cipher: %w", err)
	}
	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, aead.Seal(nil, nonce, plaintext, nil), nil
}

func open(key, nonce, ciphertext []byte) ([]byte, error) {
	if len(nonce) != nonceSize {
		return nil, fmt.Errorf("invalid nonce size %d", len(nonce))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", ErrInvalidPass)
	}
	return plaintext, nil
}
