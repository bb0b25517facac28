package cborprofile

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bridgefall/tunnel/commons/config"
	"github.com/bridgefall/tunnel/noise"
	"github.com/bridgefall/tunnel/profile"
	"github.com/fxamacker/cbor/v2"
)

const (
	Version = 1
)

const (
	keyVersion       uint64 = 0
	keyName          uint64 = 1
	keyPrivateKey    uint64 = 2
	keyListenPort    uint64 = 3
	keyInterface     uint64 = 4
	keyMTU           uint64 = 5
	keyWorkers       uint64 = 6
	keyDecoyInterval uint64 = 7
	keyParams        uint64 = 8
	keyTimers        uint64 = 9
	keyObfuscation   uint64 = 10
	keyPeers         uint64 = 11
	keyControl       uint64 = 12
	keyLog           uint64 = 13
)

const (
	keyParamsAdvancedSecurity uint64 = 1
	keyParamsRatelimiter      uint64 = 2
	keyParamsCookieProtection uint64 = 3
	keyParamsFullCrypto       uint64 = 4
	keyParamsBogusEndpoints   uint64 = 5
	keyParamsBogusPrefix      uint64 = 6
	keyParamsBogusPrefix6     uint64 = 7
)

const (
	keyTimersRekeyAfterTime       uint64 = 1
	keyTimersRejectAfterTime      uint64 = 2
	keyTimersRekeyTimeout         uint64 = 3
	keyTimersKeepaliveTimeout     uint64 = 4
	keyTimersMaxHandshakeBackoff  uint64 = 5
	keyTimersHandshakeJitter      uint64 = 6
	keyTimersMaxHandshakeAttempts uint64 = 7
	keyTimersCookieRefreshTime    uint64 = 8
	keyTimersReorderTimeout       uint64 = 9
	keyTimersRekeyAfterMessages   uint64 = 10
)

const (
	keyObfJc   uint64 = 1
	keyObfJmin uint64 = 2
	keyObfJmax uint64 = 3
	keyObfS1   uint64 = 4
	keyObfS2   uint64 = 5
	keyObfS3   uint64 = 6
	keyObfS4   uint64 = 7
	keyObfH1   uint64 = 8
	keyObfH2   uint64 = 9
	keyObfH3   uint64 = 10
	keyObfH4   uint64 = 11
	keyObfI1   uint64 = 12
	keyObfI2   uint64 = 13
	keyObfI3   uint64 = 14
	keyObfI4   uint64 = 15
	keyObfI5   uint64 = 16
)

const (
	keyPeerPublicKey    uint64 = 1
	keyPeerPresharedKey uint64 = 2
	keyPeerEndpoint     uint64 = 3
	keyPeerAllowedIPs   uint64 = 4
	keyPeerKeepalive    uint64 = 5
)

const (
	keyControlListen      uint64 = 1
	keyControlStatsListen uint64 = 2
	keyControlToken       uint64 = 3
	keyLogLevel           uint64 = 1
	keyLogFormat          uint64 = 2
)

// EncodeProfile converts a profile into deterministic CBOR bytes. Keys are
// carried as raw 32-byte strings and durations as signed milliseconds.
func EncodeProfile(p profile.Profile) ([]byte, error) {
	if p.PrivateKey == "" {
		return nil, fmt.Errorf("private_key required")
	}
	payload := map[uint64]any{
		keyVersion: uint64(Version),
	}
	if p.Name != "" {
		payload[keyName] = p.Name
	}
	sk, err := noise.DecodeKeyBase64(p.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("private_key: %w", err)
	}
	payload[keyPrivateKey] = sk[:]
	if p.ListenPort != 0 {
		payload[keyListenPort] = uint64(p.ListenPort)
	}
	if p.Interface != "" {
		payload[keyInterface] = p.Interface
	}
	if p.MTU > 0 {
		payload[keyMTU] = uint64(p.MTU)
	}
	if p.Workers > 0 {
		payload[keyWorkers] = uint64(p.Workers)
	}
	putDuration(payload, keyDecoyInterval, p.DecoyInterval)
	if m := encodeParams(p.Params); len(m) > 0 {
		payload[keyParams] = m
	}
	if m := encodeTimers(p.Timers); len(m) > 0 {
		payload[keyTimers] = m
	}
	if m := encodeObfuscation(p.Obfuscation); len(m) > 0 {
		payload[keyObfuscation] = m
	}
	if len(p.Peers) > 0 {
		peers := make([]any, 0, len(p.Peers))
		for i, peer := range p.Peers {
			m, err := encodePeer(peer)
			if err != nil {
				return nil, fmt.Errorf("peers[%d]: %w", i, err)
			}
			peers = append(peers, m)
		}
		payload[keyPeers] = peers
	}
	control := make(map[uint64]any)
	putString(control, keyControlListen, p.Control.Listen)
	putString(control, keyControlStatsListen, p.Control.StatsListen)
	putString(control, keyControlToken, p.Control.Token)
	if len(control) > 0 {
		payload[keyControl] = control
	}
	logCfg := make(map[uint64]any)
	putString(logCfg, keyLogLevel, p.Log.Level)
	putString(logCfg, keyLogFormat, p.Log.Format)
	if len(logCfg) > 0 {
		payload[keyLog] = logCfg
	}

	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return mode.Marshal(payload)
}

// DecodeProfile parses CBOR bytes into a profile.
func DecodeProfile(data []byte) (profile.Profile, error) {
	mode, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return profile.Profile{}, err
	}
	var raw map[uint64]any
	if err := mode.Unmarshal(data, &raw); err != nil {
		return profile.Profile{}, err
	}
	version, ok := raw[keyVersion]
	if !ok {
		return profile.Profile{}, fmt.Errorf("cbor profile missing version")
	}
	versionInt, err := asUint(version)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("cbor profile version invalid: %w", err)
	}
	if versionInt != Version {
		return profile.Profile{}, fmt.Errorf("unsupported cbor profile version %d", versionInt)
	}

	var out profile.Profile
	if v, ok := raw[keyName]; ok {
		if out.Name, err = asString(v); err != nil {
			return profile.Profile{}, fmt.Errorf("name: %w", err)
		}
	}
	v, ok := raw[keyPrivateKey]
	if !ok {
		return profile.Profile{}, fmt.Errorf("private_key missing")
	}
	sk, err := asKey(v)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("private_key: %w", err)
	}
	out.PrivateKey = noise.PrivateKey(sk).String()
	if v, ok := raw[keyListenPort]; ok {
		port, err := asUint(v)
		if err != nil || port > 0xffff {
			return profile.Profile{}, fmt.Errorf("listen_port: invalid value %v", v)
		}
		out.ListenPort = uint16(port)
	}
	if v, ok := raw[keyInterface]; ok {
		if out.Interface, err = asString(v); err != nil {
			return profile.Profile{}, fmt.Errorf("interface: %w", err)
		}
	}
	if v, ok := raw[keyMTU]; ok {
		if out.MTU, err = asInt(v); err != nil {
			return profile.Profile{}, fmt.Errorf("mtu: %w", err)
		}
	}
	if v, ok := raw[keyWorkers]; ok {
		if out.Workers, err = asInt(v); err != nil {
			return profile.Profile{}, fmt.Errorf("workers: %w", err)
		}
	}
	if out.DecoyInterval, err = getDuration(raw, keyDecoyInterval); err != nil {
		return profile.Profile{}, fmt.Errorf("decoy_interval: %w", err)
	}
	if v, ok := raw[keyParams]; ok {
		if out.Params, err = decodeParams(v); err != nil {
			return profile.Profile{}, fmt.Errorf("params: %w", err)
		}
	}
	if v, ok := raw[keyTimers]; ok {
		if out.Timers, err = decodeTimers(v); err != nil {
			return profile.Profile{}, fmt.Errorf("timers: %w", err)
		}
	}
	if v, ok := raw[keyObfuscation]; ok {
		if out.Obfuscation, err = decodeObfuscation(v); err != nil {
			return profile.Profile{}, fmt.Errorf("obfuscation: %w", err)
		}
	}
	if v, ok := raw[keyPeers]; ok {
		list, ok := v.([]any)
		if !ok {
			return profile.Profile{}, fmt.Errorf("peers: expected array got %T", v)
		}
		for i, item := range list {
			peer, err := decodePeer(item)
			if err != nil {
				return profile.Profile{}, fmt.Errorf("peers[%d]: %w", i, err)
			}
			out.Peers = append(out.Peers, peer)
		}
	}
	if v, ok := raw[keyControl]; ok {
		m, err := asMapUint(v)
		if err != nil {
			return profile.Profile{}, fmt.Errorf("control: %w", err)
		}
		if out.Control.Listen, err = getString(m, keyControlListen); err != nil {
			return profile.Profile{}, fmt.Errorf("control.listen: %w", err)
		}
		if out.Control.StatsListen, err = getString(m, keyControlStatsListen); err != nil {
			return profile.Profile{}, fmt.Errorf("control.stats_listen: %w", err)
		}
		if out.Control.Token, err = getString(m, keyControlToken); err != nil {
			return profile.Profile{}, fmt.Errorf("control.token: %w", err)
		}
	}
	if v, ok := raw[keyLog]; ok {
		m, err := asMapUint(v)
		if err != nil {
			return profile.Profile{}, fmt.Errorf("log: %w", err)
		}
		if out.Log.Level, err = getString(m, keyLogLevel); err != nil {
			return profile.Profile{}, fmt.Errorf("log.level: %w", err)
		}
		if out.Log.Format, err = getString(m, keyLogFormat); err != nil {
			return profile.Profile{}, fmt.Errorf("log.format: %w", err)
		}
	}
	return out, nil
}

// EncodeJSONProfile converts a JSON profile into CBOR bytes.
func EncodeJSONProfile(jsonData []byte) ([]byte, error) {
	var p profile.Profile
	if err := config.DecodeJSON(jsonData, &p); err != nil {
		return nil, err
	}
	return EncodeProfile(p)
}

// DecodeCBORToJSON converts CBOR bytes into an indented JSON profile.
func DecodeCBORToJSON(data []byte) ([]byte, error) {
	p, err := DecodeProfile(data)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(p, "", "  ")
}

func encodeParams(p profile.ParamsConfig) map[uint64]any {
	out := make(map[uint64]any)
	if p.AdvancedSecurity {
		out[keyParamsAdvancedSecurity] = true
	}
	putBool(out, keyParamsRatelimiter, p.Ratelimiter)
	putBool(out, keyParamsCookieProtection, p.CookieProtection)
	putBool(out, keyParamsFullCrypto, p.FullCrypto)
	if p.BogusEndpoints > 0 {
		out[keyParamsBogusEndpoints] = uint64(p.BogusEndpoints)
	}
	putString(out, keyParamsBogusPrefix, p.BogusEndpointsPrefix)
	putString(out, keyParamsBogusPrefix6, p.BogusEndpointsPrefix6)
	return out
}

func decodeParams(value any) (profile.ParamsConfig, error) {
	raw, err := asMapUint(value)
	if err != nil {
		return profile.ParamsConfig{}, fmt.Errorf("expected map: %w", err)
	}
	var out profile.ParamsConfig
	if v, ok := raw[keyParamsAdvancedSecurity]; ok {
		if out.AdvancedSecurity, err = asBool(v); err != nil {
			return out, err
		}
	}
	if out.Ratelimiter, err = getBool(raw, keyParamsRatelimiter); err != nil {
		return out, err
	}
	if out.CookieProtection, err = getBool(raw, keyParamsCookieProtection); err != nil {
		return out, err
	}
	if out.FullCrypto, err = getBool(raw, keyParamsFullCrypto); err != nil {
		return out, err
	}
	if v, ok := raw[keyParamsBogusEndpoints]; ok {
		if out.BogusEndpoints, err = asInt(v); err != nil {
			return out, err
		}
	}
	if out.BogusEndpointsPrefix, err = getString(raw, keyParamsBogusPrefix); err != nil {
		return out, err
	}
	if out.BogusEndpointsPrefix6, err = getString(raw, keyParamsBogusPrefix6); err != nil {
		return out, err
	}
	return out, nil
}

func encodeTimers(t profile.TimersConfig) map[uint64]any {
	out := make(map[uint64]any)
	putDuration(out, keyTimersRekeyAfterTime, t.RekeyAfterTime)
	putDuration(out, keyTimersRejectAfterTime, t.RejectAfterTime)
	putDuration(out, keyTimersRekeyTimeout, t.RekeyTimeout)
	putDuration(out, keyTimersKeepaliveTimeout, t.KeepaliveTimeout)
	putDuration(out, keyTimersMaxHandshakeBackoff, t.MaxHandshakeBackoff)
	putDuration(out, keyTimersHandshakeJitter, t.HandshakeJitter)
	if t.MaxHandshakeAttempts > 0 {
		out[keyTimersMaxHandshakeAttempts] = uint64(t.MaxHandshakeAttempts)
	}
	putDuration(out, keyTimersCookieRefreshTime, t.CookieRefreshTime)
	putDuration(out, keyTimersReorderTimeout, t.ReorderTimeout)
	if t.RekeyAfterMessages > 0 {
		out[keyTimersRekeyAfterMessages] = t.RekeyAfterMessages
	}
	return out
}

func decodeTimers(value any) (profile.TimersConfig, error) {
	raw, err := asMapUint(value)
	if err != nil {
		return profile.TimersConfig{}, fmt.Errorf("expected map: %w", err)
	}
	var out profile.TimersConfig
	durations := []struct {
		key uint64
		dst *config.Duration
	}{
		{keyTimersRekeyAfterTime, &out.RekeyAfterTime},
		{keyTimersRejectAfterTime, &out.RejectAfterTime},
		{keyTimersRekeyTimeout, &out.RekeyTimeout},
		{keyTimersKeepaliveTimeout, &out.KeepaliveTimeout},
		{keyTimersMaxHandshakeBackoff, &out.MaxHandshakeBackoff},
		{keyTimersHandshakeJitter, &out.HandshakeJitter},
		{keyTimersCookieRefreshTime, &out.CookieRefreshTime},
		{keyTimersReorderTimeout, &out.ReorderTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(raw, d.key); err != nil {
			return out, fmt.Errorf("key %d: %w", d.key, err)
		}
	}
	if v, ok := raw[keyTimersMaxHandshakeAttempts]; ok {
		if out.MaxHandshakeAttempts, err = asInt(v); err != nil {
			return out, err
		}
	}
	if v, ok := raw[keyTimersRekeyAfterMessages]; ok {
		if out.RekeyAfterMessages, err = asUint(v); err != nil {
			return out, err
		}
	}
	return out, nil
}

func encodeObfuscation(o profile.ObfConfig) map[uint64]any {
	out := make(map[uint64]any)
	ints := []struct {
		key uint64
		val int
	}{
		{keyObfJc, o.Jc}, {keyObfJmin, o.Jmin}, {keyObfJmax, o.Jmax},
		{keyObfS1, o.S1}, {keyObfS2, o.S2}, {keyObfS3, o.S3}, {keyObfS4, o.S4},
	}
	for _, f := range ints {
		if f.val != 0 {
			out[f.key] = int64(f.val)
		}
	}
	putString(out, keyObfH1, o.H1)
	putString(out, keyObfH2, o.H2)
	putString(out, keyObfH3, o.H3)
	putString(out, keyObfH4, o.H4)
	putString(out, keyObfI1, o.I1)
	putString(out, keyObfI2, o.I2)
	putString(out, keyObfI3, o.I3)
	putString(out, keyObfI4, o.I4)
	putString(out, keyObfI5, o.I5)
	return out
}

func decodeObfuscation(value any) (profile.ObfConfig, error) {
	raw, err := asMapUint(value)
	if err != nil {
		return profile.ObfConfig{}, fmt.Errorf("expected map: %w", err)
	}
	var out profile.ObfConfig
	ints := []struct {
		key uint64
		dst *int
	}{
		{keyObfJc, &out.Jc}, {keyObfJmin, &out.Jmin}, {keyObfJmax, &out.Jmax},
		{keyObfS1, &out.S1}, {keyObfS2, &out.S2}, {keyObfS3, &out.S3}, {keyObfS4, &out.S4},
	}
	for _, f := range ints {
		if v, ok := raw[f.key]; ok {
			if *f.dst, err = asInt(v); err != nil {
				return out, fmt.Errorf("key %d: %w", f.key, err)
			}
		}
	}
	strs := []struct {
		key uint64
		dst *string
	}{
		{keyObfH1, &out.H1}, {keyObfH2, &out.H2}, {keyObfH3, &out.H3}, {keyObfH4, &out.H4},
		{keyObfI1, &out.I1}, {keyObfI2, &out.I2}, {keyObfI3, &out.I3}, {keyObfI4, &out.I4}, {keyObfI5, &out.I5},
	}
	for _, f := range strs {
		if *f.dst, err = getString(raw, f.key); err != nil {
			return out, fmt.Errorf("key %d: %w", f.key, err)
		}
	}
	return out, nil
}

func encodePeer(p profile.PeerProfile) (map[uint64]any, error) {
	pk, err := noise.DecodeKeyBase64(p.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("public_key: %w", err)
	}
	out := map[uint64]any{keyPeerPublicKey: pk[:]}
	if p.PresharedKey != "" {
		psk, err := noise.DecodeKeyBase64(p.PresharedKey)
		if err != nil {
			return nil, fmt.Errorf("preshared_key: %w", err)
		}
		out[keyPeerPresharedKey] = psk[:]
	}
	putString(out, keyPeerEndpoint, p.Endpoint)
	if len(p.AllowedIPs) > 0 {
		ips := make([]any, 0, len(p.AllowedIPs))
		for _, ip := range p.AllowedIPs {
			ips = append(ips, ip)
		}
		out[keyPeerAllowedIPs] = ips
	}
	putDuration(out, keyPeerKeepalive, p.PersistentKeepalive)
	return out, nil
}

func decodePeer(value any) (profile.PeerProfile, error) {
	raw, err := asMapUint(value)
	if err != nil {
		return profile.PeerProfile{}, fmt.Errorf("expected map: %w", err)
	}
	var out profile.PeerProfile
	v, ok := raw[keyPeerPublicKey]
	if !ok {
		return out, fmt.Errorf("public_key missing")
	}
	pk, err := asKey(v)
	if err != nil {
		return out, fmt.Errorf("public_key: %w", err)
	}
	out.PublicKey = noise.PublicKey(pk).String()
	if v, ok := raw[keyPeerPresharedKey]; ok {
		psk, err := asKey(v)
		if err != nil {
			return out, fmt.Errorf("preshared_key: %w", err)
		}
		out.PresharedKey = noise.PresharedKey(psk).String()
	}
	if out.Endpoint, err = getString(raw, keyPeerEndpoint); err != nil {
		return out, fmt.Errorf("endpoint: %w", err)
	}
	if v, ok := raw[keyPeerAllowedIPs]; ok {
		list, ok := v.([]any)
		if !ok {
			return out, fmt.Errorf("allowed_ips: expected array got %T", v)
		}
		for _, item := range list {
			s, err := asString(item)
			if err != nil {
				return out, fmt.Errorf("allowed_ips: %w", err)
			}
			out.AllowedIPs = append(out.AllowedIPs, s)
		}
	}
	if out.PersistentKeepalive, err = getDuration(raw, keyPeerKeepalive); err != nil {
		return out, fmt.Errorf("persistent_keepalive: %w", err)
	}
	return out, nil
}

func putString(m map[uint64]any, key uint64, v string) {
	if v != "" {
		m[key] = v
	}
}

func putBool(m map[uint64]any, key uint64, v *bool) {
	if v != nil {
		m[key] = *v
	}
}

func putDuration(m map[uint64]any, key uint64, d config.Duration) {
	if d.Duration != 0 {
		m[key] = int64(d.Duration / time.Millisecond)
	}
}

func getString(m map[uint64]any, key uint64) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", nil
	}
	return asString(v)
}

func getBool(m map[uint64]any, key uint64) (*bool, error) {
	v, ok := m[key]
	if !ok {
		return nil, nil
	}
	b, err := asBool(v)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func getDuration(m map[uint64]any, key uint64) (config.Duration, error) {
	v, ok := m[key]
	if !ok {
		return config.Duration{}, nil
	}
	ms, err := asInt(v)
	if err != nil {
		return config.Duration{}, err
	}
	return config.Duration{Duration: time.Duration(ms) * time.Millisecond}, nil
}

func asUint(value any) (uint64, error) {
	switch v := value.(type) {
	case uint64:
		return v, nil
	case uint32:
		return uint64(v), nil
	case uint16:
		return uint64(v), nil
	case uint8:
		return uint64(v), nil
	case uint:
		return uint64(v), nil
	case int64:
		if v < 0 {
			return 0, fmt.Errorf("negative value")
		}
		return uint64(v), nil
	case int:
		if v < 0 {
			return 0, fmt.Errorf("negative value")
		}
		return uint64(v), nil
	default:
		return 0, fmt.Errorf("unexpected type %T", value)
	}
}

func asInt(value any) (int, error) {
	switch v := value.(type) {
	case uint64:
		if v > uint64(^uint(0)>>1) {
			return 0, fmt.Errorf("overflow")
		}
		return int(v), nil
	case uint:
		return int(v), nil
	case int64:
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", value)
	}
}

func asString(value any) (string, error) {
	if value == nil {
		return "", nil
	}
	str, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("expected string got %T", value)
	}
	return str, nil
}

func asBool(value any) (bool, error) {
	val, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool got %T", value)
	}
	return val, nil
}

func asKey(value any) ([32]byte, error) {
	var out [32]byte
	raw, ok := value.([]byte)
	if !ok {
		return out, fmt.Errorf("expected bytes got %T", value)
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("%w: %d", noise.ErrInvalidKeyLength, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func asMapUint(value any) (map[uint64]any, error) {
	switch m := value.(type) {
	case map[uint64]any:
		return m, nil
	case map[any]any:
		out := make(map[uint64]any, len(m))
		for key, val := range m {
			k, err := asUint(key)
			if err != nil {
				return nil, err
			}
			out[k] = val
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected type %T", value)
	}
}
