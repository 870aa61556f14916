// Package secrets implements the encrypted local credential vault.
// Values are sealed with AES-256-GCM under a key derived from the
// master password via PBKDF2; one file per (service, key) under
// .agent/secrets/. Plaintext never touches disk.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
	"gopkg.in/yaml.v3"

	"storyguard/internal/config"
	"storyguard/internal/errs"
	"storyguard/internal/logging"
)

const (
	// MinIterations is the PBKDF2 floor; vaults created by this code
	// use DefaultIterations.
	MinIterations     = 100_000
	DefaultIterations = 210_000

	keyLen    = 32 // AES-256
	saltLen   = 16
	nonceLen  = 12 // 96-bit, GCM standard
	vaultFile = "vault.yaml"

	// verifierPlain is sealed into vault.yaml at init so Unlock can
	// detect a wrong master password without touching any record.
	verifierPlain = "storyguard-vault-v1"
)

// Record is one stored secret. Ciphertext includes the GCM tag;
// associated data binds it to (service, key) so records cannot be
// swapped between entries.
type Record struct {
	Name      string    `json:"name"`
	Service   string    `json:"service"`
	Key       string    `json:"key"`
	Cipher    string    `json:"ciphertext"`
	Nonce     string    `json:"nonce"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// vaultMeta is the on-disk vault configuration.
type vaultMeta struct {
	Version       int    `yaml:"version"`
	Salt          string `yaml:"salt"`
	Iterations    int    `yaml:"iterations"`
	VerifierNonce string `yaml:"verifier_nonce"`
	Verifier      string `yaml:"verifier"`
	CreatedAt     string `yaml:"created_at"`
}

// Vault is the open secret store. Decrypted values are cached in
// memory only and vanish with the process.
type Vault struct {
	dir  string
	meta vaultMeta
	key  []byte

	mu    sync.RWMutex
	cache map[string]string
}

// Exists reports whether a vault has been initialized under dir.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, vaultFile))
	return err == nil
}

// Init creates a new vault under dir. Refuses to overwrite a non-empty
// vault unless force is set.
func Init(dir, masterPassword string, force bool) (*Vault, error) {
	if masterPassword == "" {
		return nil, errs.New(errs.KindConfig, "master password must not be empty")
	}
	if Exists(dir) && !force {
		if n, _ := countRecords(dir); n > 0 {
			return nil, errs.New(errs.KindConfig,
				"vault at %s already holds %d secrets; re-run with --force to overwrite", dir, n)
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}
	// Keep the vault out of version control regardless of the
	// repository's own ignore rules.
	_ = os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("*\n"), 0o600)

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	key := deriveKey(masterPassword, salt, DefaultIterations)

	nonce, sealed, err := seal(key, []byte(verifierPlain), "vault", "verifier")
	if err != nil {
		return nil, err
	}
	meta := vaultMeta{
		Version:       1,
		Salt:          base64.StdEncoding.EncodeToString(salt),
		Iterations:    DefaultIterations,
		VerifierNonce: base64.StdEncoding.EncodeToString(nonce),
		Verifier:      base64.StdEncoding.EncodeToString(sealed),
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	if err := writeMeta(dir, meta); err != nil {
		return nil, err
	}

	logging.Secrets("vault initialized at %s (iterations=%d)", dir, DefaultIterations)
	return &Vault{dir: dir, meta: meta, key: key, cache: make(map[string]string)}, nil
}

// Open unlocks an existing vault. A wrong master password fails the
// verifier check before any record is read.
func Open(dir, masterPassword string) (*Vault, error) {
	meta, err := readMeta(dir)
	if err != nil {
		return nil, err
	}
	if meta.Iterations < MinIterations {
		return nil, errs.New(errs.KindConfig,
			"vault iteration count %d below minimum %d; re-init required", meta.Iterations, MinIterations)
	}
	salt, err := base64.StdEncoding.DecodeString(meta.Salt)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "vault salt corrupt")
	}
	key := deriveKey(masterPassword, salt, meta.Iterations)

	nonce, _ := base64.StdEncoding.DecodeString(meta.VerifierNonce)
	sealed, _ := base64.StdEncoding.DecodeString(meta.Verifier)
	plain, err := open(key, nonce, sealed, "vault", "verifier")
	if err != nil || string(plain) != verifierPlain {
		return nil, errs.New(errs.KindAuth, "authentication_failed: wrong master password")
	}
	return &Vault{dir: dir, meta: *meta, key: key, cache: make(map[string]string)}, nil
}

// Set encrypts and stores value under (service, key).
func (v *Vault) Set(service, key, value string) error {
	if service == "" || key == "" {
		return errs.New(errs.KindConfig, "service and key are required")
	}
	nonce, sealed, err := seal(v.key, []byte(value), service, key)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	rec := Record{
		Name:      recordName(service, key),
		Service:   service,
		Key:       key,
		Cipher:    base64.StdEncoding.EncodeToString(sealed),
		Nonce:     base64.StdEncoding.EncodeToString(nonce),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if old, err := v.readRecord(service, key); err == nil {
		rec.CreatedAt = old.CreatedAt
	}
	if err := v.writeRecord(rec); err != nil {
		return err
	}

	v.mu.Lock()
	v.cache[cacheKey(service, key)] = value
	v.mu.Unlock()
	logging.Secrets("secret set: %s/%s", service, key)
	return nil
}

// Get returns the decrypted value for (service, key). When the vault
// or the record is missing it falls back to the canonical environment
// variable, so callers never branch on secret-vs-env.
func (v *Vault) Get(service, key string) (string, error) {
	v.mu.RLock()
	if val, ok := v.cache[cacheKey(service, key)]; ok {
		v.mu.RUnlock()
		return val, nil
	}
	v.mu.RUnlock()

	rec, err := v.readRecord(service, key)
	if err != nil {
		if val, ok := envFallback(service); ok {
			return val, nil
		}
		return "", err
	}
	nonce, err := base64.StdEncoding.DecodeString(rec.Nonce)
	if err != nil {
		return "", errs.Wrap(errs.KindConfig, err, "record %s/%s corrupt", service, key)
	}
	sealed, err := base64.StdEncoding.DecodeString(rec.Cipher)
	if err != nil {
		return "", errs.Wrap(errs.KindConfig, err, "record %s/%s corrupt", service, key)
	}
	plain, err := open(v.key, nonce, sealed, service, key)
	if err != nil {
		return "", errs.New(errs.KindAuth, "authentication_failed decrypting %s/%s", service, key)
	}

	v.mu.Lock()
	v.cache[cacheKey(service, key)] = string(plain)
	v.mu.Unlock()
	return string(plain), nil
}

// GetOrEnv is Get for callers that may not have an unlocked vault at
// all. With a nil receiver it resolves purely from the environment.
func (v *Vault) GetOrEnv(service, key string) (string, error) {
	if v == nil {
		if val, ok := envFallback(service); ok {
			return val, nil
		}
		return "", errs.New(errs.KindAuth, "no vault and %s unset", canonicalEnv(service))
	}
	return v.Get(service, key)
}

// List returns all records sorted by (service, key). Values are masked
// unless mask is false.
func (v *Vault) List(mask bool) ([]ListEntry, error) {
	recs, err := v.allRecords()
	if err != nil {
		return nil, err
	}
	out := make([]ListEntry, 0, len(recs))
	for _, rec := range recs {
		entry := ListEntry{Service: rec.Service, Key: rec.Key, UpdatedAt: rec.UpdatedAt}
		if !mask {
			val, err := v.Get(rec.Service, rec.Key)
			if err != nil {
				return nil, err
			}
			entry.Value = val
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Service != out[j].Service {
			return out[i].Service < out[j].Service
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// ListEntry is one row of List output.
type ListEntry struct {
	Service   string
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Delete removes (service, key) from disk and cache.
func (v *Vault) Delete(service, key string) error {
	path := v.recordPath(service, key)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return errs.New(errs.KindConfig, "no secret stored for %s/%s", service, key)
		}
		return err
	}
	v.mu.Lock()
	delete(v.cache, cacheKey(service, key))
	v.mu.Unlock()
	logging.Secrets("secret deleted: %s/%s", service, key)
	return nil
}

// ImportEnv stores every canonical provider credential present in the
// environment. Returns the services imported.
func (v *Vault) ImportEnv() ([]string, error) {
	var imported []string
	for service, envVar := range config.CredentialEnvVars {
		val := os.Getenv(envVar)
		if val == "" {
			continue
		}
		if err := v.Set(service, credentialKey(service), val); err != nil {
			return imported, err
		}
		imported = append(imported, service)
	}
	sort.Strings(imported)
	return imported, nil
}

// Export returns decrypted entries in `VAR=value` lines using the
// canonical environment names. For operator use; output must never be
// committed.
func (v *Vault) Export() (string, error) {
	entries, err := v.List(false)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, e := range entries {
		envVar := canonicalEnv(e.Service)
		if envVar == "" {
			envVar = strings.ToUpper(e.Service) + "_" + strings.ToUpper(e.Key)
		}
		fmt.Fprintf(&b, "%s=%s\n", envVar, e.Value)
	}
	return b.String(), nil
}

// Rotate re-encrypts every record under a key derived from newMaster.
// The new vault is staged under a temp path and swapped in atomically;
// on any failure the original vault is untouched.
func (v *Vault) Rotate(oldMaster, newMaster string) error {
	// Re-verify the old password even on an unlocked vault: rotation
	// must not proceed on a stale handle.
	if _, err := Open(v.dir, oldMaster); err != nil {
		return err
	}
	if newMaster == "" {
		return errs.New(errs.KindConfig, "new master password must not be empty")
	}

	recs, err := v.allRecords()
	if err != nil {
		return err
	}

	staging := v.dir + ".rotate"
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("clear staging dir: %w", err)
	}
	next, err := Init(staging, newMaster, true)
	if err != nil {
		return fmt.Errorf("stage rotated vault: %w", err)
	}
	defer os.RemoveAll(staging)

	for _, rec := range recs {
		val, err := v.Get(rec.Service, rec.Key)
		if err != nil {
			return fmt.Errorf("rotation aborted at %s/%s: %w", rec.Service, rec.Key, err)
		}
		if err := next.Set(rec.Service, rec.Key, val); err != nil {
			return fmt.Errorf("rotation aborted at %s/%s: %w", rec.Service, rec.Key, err)
		}
	}

	backup := v.dir + ".pre-rotate"
	if err := os.RemoveAll(backup); err != nil {
		return fmt.Errorf("clear backup dir: %w", err)
	}
	if err := os.Rename(v.dir, backup); err != nil {
		return fmt.Errorf("swap out old vault: %w", err)
	}
	if err := os.Rename(staging, v.dir); err != nil {
		// Roll back: the original vault directory is restored intact.
		_ = os.Rename(backup, v.dir)
		return fmt.Errorf("swap in rotated vault: %w", err)
	}
	_ = os.RemoveAll(backup)

	v.mu.Lock()
	v.meta = next.meta
	v.key = next.key
	v.cache = make(map[string]string)
	v.mu.Unlock()

	logging.Secrets("vault rotated (%d records)", len(recs))
	return nil
}

// Close clears the in-memory cache and key material.
func (v *Vault) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for k := range v.cache {
		delete(v.cache, k)
	}
	for i := range v.key {
		v.key[i] = 0
	}
}

// --- crypto helpers ---

func deriveKey(master string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(master), salt, iterations, keyLen, sha256.New)
}

func aead(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func seal(key, plaintext []byte, service, name string) (nonce, sealed []byte, err error) {
	gcm, err := aead(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	sealed = gcm.Seal(nil, nonce, plaintext, associatedData(service, name))
	return nonce, sealed, nil
}

func open(key, nonce, sealed []byte, service, name string) ([]byte, error) {
	gcm, err := aead(key)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, sealed, associatedData(service, name))
}

func associatedData(service, name string) []byte {
	return []byte(service + "\x00" + name)
}

// --- storage helpers ---

func (v *Vault) recordPath(service, key string) string {
	return filepath.Join(v.dir, recordName(service, key)+".json")
}

func recordName(service, key string) string {
	clean := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
				return r
			default:
				return '_'
			}
		}, s)
	}
	return clean(service) + "__" + clean(key)
}

func cacheKey(service, key string) string { return service + "/" + key }

func (v *Vault) writeRecord(rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(v.recordPath(rec.Service, rec.Key), data, 0o600)
}

func (v *Vault) readRecord(service, key string) (*Record, error) {
	data, err := os.ReadFile(v.recordPath(service, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.KindConfig, "no secret stored for %s/%s", service, key)
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "record %s/%s corrupt", service, key)
	}
	return &rec, nil
}

func (v *Vault) allRecords() ([]Record, error) {
	entries, err := os.ReadDir(v.dir)
	if err != nil {
		return nil, err
	}
	var recs []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(v.dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue // skip foreign files
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func countRecords(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			n++
		}
	}
	return n, nil
}

func writeMeta(dir string, meta vaultMeta) error {
	data, err := yaml.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, vaultFile), data, 0o600)
}

func readMeta(dir string) (*vaultMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, vaultFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.KindConfig, "no vault at %s; run `guard secret init`", dir)
		}
		return nil, err
	}
	var meta vaultMeta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "vault metadata corrupt")
	}
	return &meta, nil
}

func canonicalEnv(service string) string {
	return config.CredentialEnvVars[service]
}

func envFallback(service string) (string, bool) {
	envVar := canonicalEnv(service)
	if envVar == "" {
		return "", false
	}
	val := os.Getenv(envVar)
	return val, val != ""
}

func credentialKey(service string) string {
	if service == "gh" {
		return "token"
	}
	if service == "vertex" {
		return "project"
	}
	return "api_key"
}
