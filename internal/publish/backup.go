package publish

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	cid "github.com/ipfs/go-cid"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/truthgate/gateway/internal/domain"
	"github.com/truthgate/gateway/internal/nodeclient"
)

// backupFile is the bit-exact JSON shape of spec.md §6's backup format.
type backupFile struct {
	Domain           string `json:"Domain"`
	SiteFolderLeaf   string `json:"SiteFolderLeaf"`
	TgpFolderLeaf    string `json:"TgpFolderLeaf"`
	IpnsKeyName      string `json:"IpnsKeyName"`
	IpnsPeerId       string `json:"IpnsPeerId"`
	LastPublishedCid string `json:"LastPublishedCid"`
	EncVersion       int    `json:"EncVersion"`
	SaltB64          string `json:"SaltB64"`
	CipherB64        string `json:"CipherB64"`
}

const (
	saltSize       = 16
	argon2Time     = 3
	argon2Memory   = 64 * 1024
	argon2Threads  = 4
	argon2KeyBytes = 32
)

func deriveKey(passphrase string, salt []byte) *[32]byte {
	derived := argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyBytes)
	var key [32]byte
	copy(key[:], derived)
	return &key
}

// seal produces the argon2id-derived-key secretbox encryption of
// plaintext, returning (saltB64, cipherB64) for the backup file (spec.md
// §4.8, §6: "the age-like sealed box").
func seal(plaintext []byte, passphrase string) (saltB64, cipherB64 string, err error) {
	salt := make([]byte, saltSize)
	if _, err = rand.Read(salt); err != nil {
		return "", "", err
	}
	key := deriveKey(passphrase, salt)

	var nonce [24]byte
	if _, err = rand.Read(nonce[:]); err != nil {
		return "", "", err
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, key)

	return base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(sealed), nil
}

// unseal reverses seal, returning an error if the passphrase is wrong or
// the ciphertext has been tampered with (secretbox's authentication tag
// fails to verify).
func unseal(saltB64, cipherB64, passphrase string) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return nil, fmt.Errorf("decoding salt: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(cipherB64)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	if len(sealed) < 24 {
		return nil, fmt.Errorf("ciphertext too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])

	key := deriveKey(passphrase, salt)
	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, key)
	if !ok {
		return nil, fmt.Errorf("decryption failed: wrong passphrase or corrupted backup")
	}
	return plaintext, nil
}

// Backup produces the sealed backup blob for dom, per spec.md §4.8/§6.
func Backup(ctx context.Context, node *nodeclient.Client, dom domain.EdgeDomain, passphrase string) ([]byte, error) {
	keyName := dom.IPNSKeyName
	if keyName == "" {
		keyName = dom.SiteFolderLeaf
	}
	armored, err := node.KeyExport(ctx, keyName, passphrase)
	if err != nil {
		return nil, fmt.Errorf("exporting ipns key: %w", err)
	}

	saltB64, cipherB64, err := seal([]byte(armored), passphrase)
	if err != nil {
		return nil, fmt.Errorf("sealing key export: %w", err)
	}

	bf := backupFile{
		Domain:           dom.Domain,
		SiteFolderLeaf:   dom.SiteFolderLeaf,
		TgpFolderLeaf:    dom.TgpFolderLeaf,
		IpnsKeyName:      keyName,
		IpnsPeerId:       dom.IPNSPeerID,
		LastPublishedCid: dom.LastPublishedCid,
		EncVersion:       1,
		SaltB64:          saltB64,
		CipherB64:        cipherB64,
	}
	return json.Marshal(bf)
}

// ConflictError marks an import whose key name and its "-import"
// fallback name both exist under a mismatched peer id (spec.md §7
// KindConflict).
type ConflictError struct {
	KeyName string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("key %q already exists with a different peer id", e.KeyName)
}

func conflicts(existing []nodeclient.KeyInfo, keyName, peerID string) bool {
	if peerID == "" {
		return false
	}
	for _, k := range existing {
		if k.Name == keyName && k.Id != peerID {
			return true
		}
	}
	return false
}

// Import reverses Backup: it decrypts the key export, reuses the
// existing node key if its peer id matches, otherwise imports under
// "<name>-import" (spec.md §4.8/§7 Conflict resolution), and optionally
// restores site content from the published CID via files/cp.
func Import(ctx context.Context, node *nodeclient.Client, blob []byte, passphrase string, restoreContent bool) (domain.EdgeDomain, error) {
	var bf backupFile
	if err := json.Unmarshal(blob, &bf); err != nil {
		return domain.EdgeDomain{}, &BadInputError{Reason: "malformed backup file: " + err.Error()}
	}

	armored, err := unseal(bf.SaltB64, bf.CipherB64, passphrase)
	if err != nil {
		return domain.EdgeDomain{}, err
	}

	keyName := bf.IpnsKeyName
	var info nodeclient.KeyInfo
	existing, err := node.KeyList(ctx)
	if err == nil {
		for _, k := range existing {
			if bf.IpnsPeerId != "" && k.Id == bf.IpnsPeerId {
				info = k
				break
			}
		}
		if info.Name == "" && conflicts(existing, keyName, bf.IpnsPeerId) {
			keyName = keyName + "-import"
			if conflicts(existing, keyName, bf.IpnsPeerId) {
				// the renamed slot is taken too: report a conflict
				// instead of overwriting an unrelated key's content.
				return domain.EdgeDomain{}, &ConflictError{KeyName: keyName}
			}
		}
	}

	if info.Name == "" {
		info, err = node.KeyImport(ctx, keyName, passphrase, string(armored))
		if err != nil {
			return domain.EdgeDomain{}, fmt.Errorf("importing ipns key: %w", err)
		}
	}

	dom := domain.EdgeDomain{
		Domain:           bf.Domain,
		SiteFolderLeaf:    bf.SiteFolderLeaf,
		TgpFolderLeaf:    bf.TgpFolderLeaf,
		IPNSKeyName:      info.Name,
		IPNSPeerID:       info.Id,
		LastPublishedCid: bf.LastPublishedCid,
	}

	if restoreContent && bf.LastPublishedCid != "" {
		restoredCid, err := cid.Decode(strings.TrimPrefix(bf.LastPublishedCid, "/ipfs/"))
		if err == nil {
			if err := node.FilesMkdir(ctx, "/production/sites", true); err == nil {
				_ = node.FilesCpFromIpfs(ctx, restoredCid, dom.SiteMfsPath())
			}
		}
	}

	return dom, nil
}
