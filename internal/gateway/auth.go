package gateway

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/opengate-ai/opengate/internal/store"
	"github.com/opengate-ai/opengate/pkg/protocol"
)

// Auth methods recorded on a successful connect.
const (
	AuthLocalDirect = "LOCAL_DIRECT"
	AuthToken       = "TOKEN"
	AuthPassword    = "PASSWORD"
	AuthDevice      = "DEVICE_TOKEN"
)

// ConnectParams is the connect RPC request body.
type ConnectParams struct {
	Auth struct {
		Token    string `json:"token,omitempty"`
		Password string `json:"password,omitempty"`
	} `json:"auth"`
	Client struct {
		Name     string `json:"name"`
		Version  string `json:"version"`
		Platform string `json:"platform"`
	} `json:"client"`
	MaxProtocol    int             `json:"maxProtocol"`
	Role           string          `json:"role,omitempty"`
	Scopes         []string        `json:"scopes,omitempty"`
	DeviceIdentity *DeviceIdentity `json:"deviceIdentity,omitempty"`
}

// DeviceIdentity is an ed25519 proof of possession over the challenge
// nonce. Signature covers "<id>|<signedAt>|<nonce>".
type DeviceIdentity struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"` // base64 raw ed25519 key
	Signature string `json:"signature"` // base64 signature
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce"`
}

// authorize decides whether a connect attempt is accepted. First
// success wins: loopback bypass, shared token, shared password, then
// device identity. On failure the returned reason is one of the
// protocol AUTH_FAILED reasons.
func (s *Server) authorize(remoteAddr, nonce string, p *ConnectParams) (method, reason string) {
	if isLoopback(remoteAddr) {
		return AuthLocalDirect, ""
	}

	gw := s.cfg.Gateway
	mode := gw.AuthMode
	if mode == "" {
		mode = "token"
	}

	switch mode {
	case "token":
		if gw.Token != "" {
			if p.Auth.Token == "" {
				reason = protocol.AuthReasonTokenMissing
			} else if subtle.ConstantTimeCompare([]byte(p.Auth.Token), []byte(gw.Token)) == 1 {
				return AuthToken, ""
			} else {
				reason = protocol.AuthReasonTokenMismatch
			}
		} else {
			reason = protocol.AuthReasonTokenMissing
		}
	case "password":
		if gw.Password != "" && subtle.ConstantTimeCompare([]byte(p.Auth.Password), []byte(gw.Password)) == 1 {
			return AuthPassword, ""
		}
		reason = protocol.AuthReasonPasswordMismatch
	}

	if p.DeviceIdentity != nil {
		if s.verifyDevice(nonce, p.DeviceIdentity) {
			return AuthDevice, ""
		}
		reason = protocol.AuthReasonDeviceUnknown
	}
	return "", reason
}

// verifyDevice checks the signature against the connection's nonce and
// the approved-device store.
func (s *Server) verifyDevice(nonce string, d *DeviceIdentity) bool {
	if d.Nonce != nonce {
		return false
	}
	pub, err := base64.StdEncoding.DecodeString(d.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(d.Signature)
	if err != nil {
		return false
	}
	msg := DeviceSigningBase(d.ID, d.SignedAt, nonce)
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(msg), sig) {
		return false
	}

	approved, ok := s.devices.Lookup(d.ID)
	if !ok {
		return false
	}
	return approved.PublicKey == d.PublicKey
}

// DeviceSigningBase is the string a device signs during connect.
func DeviceSigningBase(deviceID string, signedAt int64, nonce string) string {
	return fmt.Sprintf("%s|%d|%s", deviceID, signedAt, nonce)
}

// isLoopback reports whether the remote address is local: 127.0.0.0/8,
// ::1, or an IPv4-mapped ::ffff:127.x.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ApprovedDevice is one entry in the approved-device store.
type ApprovedDevice struct {
	PublicKey    string `json:"publicKey"`
	Name         string `json:"name,omitempty"`
	ApprovedAtMs int64  `json:"approvedAtMs"`
}

type devicesDoc struct {
	Devices map[string]ApprovedDevice `json:"devices"`
}

// DeviceStore persists approved device identities under the state dir.
type DeviceStore struct {
	path string
}

// NewDeviceStore opens the store at <stateDir>/devices.json.
func NewDeviceStore(stateDir string) *DeviceStore {
	return &DeviceStore{path: filepath.Join(stateDir, "devices.json")}
}

// Approve records a device public key as trusted.
func (d *DeviceStore) Approve(id, publicKey, name string) error {
	return store.Update(d.path, func(doc *devicesDoc) error {
		if doc.Devices == nil {
			doc.Devices = make(map[string]ApprovedDevice)
		}
		doc.Devices[id] = ApprovedDevice{
			PublicKey:    publicKey,
			Name:         name,
			ApprovedAtMs: time.Now().UnixMilli(),
		}
		return nil
	})
}

// Lookup returns the approved device entry for an id.
func (d *DeviceStore) Lookup(id string) (ApprovedDevice, bool) {
	var doc devicesDoc
	if err := store.Load(d.path, &doc); err != nil {
		return ApprovedDevice{}, false
	}
	dev, ok := doc.Devices[id]
	return dev, ok
}
