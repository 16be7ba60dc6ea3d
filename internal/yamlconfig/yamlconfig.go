// Package yamlconfig parses the host app's compiled-in shorebird.yaml and
// resolves it, together with spec.md §9's signature-verification-mode
// rule, into the inputs updaterconfig.Init needs.
package yamlconfig

import (
	"gopkg.in/yaml.v3"

	"github.com/shorebirdtech/updater-sub000/internal/patchmanager"
	"github.com/shorebirdtech/updater-sub000/internal/updaterconfig"
	"github.com/shorebirdtech/updater-sub000/internal/updatererr"
)

// VerificationSetting is the YAML's patch_verification value, distinct
// from patchmanager.VerificationMode because "unset" is a fourth state
// (defer to the key-presence rule) that an enum with only three values
// can't represent.
type VerificationSetting string

const (
	VerificationUnset     VerificationSetting = ""
	VerificationNone      VerificationSetting = "none"
	VerificationHash      VerificationSetting = "hash"
	VerificationSignature VerificationSetting = "signature"
)

// Config mirrors shorebird.yaml's fields.
type Config struct {
	AppID              string              `yaml:"app_id"`
	Channel            string              `yaml:"channel"`
	BaseURL            string              `yaml:"base_url"`
	AutoUpdate         *bool               `yaml:"auto_update"`
	PatchPublicKey     string              `yaml:"patch_public_key"`
	PatchVerification  VerificationSetting `yaml:"patch_verification"`
}

// Parse decodes raw shorebird.yaml. AppID is the only required field.
func Parse(raw []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Config{}, updatererr.Wrap(updatererr.KindInvalidArgument, err)
	}
	if c.AppID == "" {
		return Config{}, updatererr.New(updatererr.KindInvalidArgument, "shorebird.yaml: app_id is required")
	}
	return c, nil
}

// ResolveVerificationMode applies spec.md §9's rule: a key present
// defaults verification to signature-required; a key absent defaults to
// hash-only; the YAML may override to none/hash/signature; signature
// with no key is a fatal configuration error.
func (c Config) ResolveVerificationMode() (patchmanager.VerificationMode, error) {
	switch c.PatchVerification {
	case VerificationNone:
		return patchmanager.VerificationNone, nil
	case VerificationHash:
		return patchmanager.VerificationHash, nil
	case VerificationSignature:
		if c.PatchPublicKey == "" {
			return 0, updatererr.New(updatererr.KindInvalidArgument,
				"patch_verification: signature requires patch_public_key")
		}
		return patchmanager.VerificationSignature, nil
	case VerificationUnset:
		if c.PatchPublicKey != "" {
			return patchmanager.VerificationSignature, nil
		}
		return patchmanager.VerificationHash, nil
	default:
		return 0, updatererr.New(updatererr.KindInvalidArgument,
			"patch_verification: unrecognized value")
	}
}

// AutoUpdateOrDefault returns auto_update, defaulting to true when unset.
func (c Config) AutoUpdateOrDefault() bool {
	if c.AutoUpdate == nil {
		return true
	}
	return *c.AutoUpdate
}

// ChannelOrDefault returns channel, defaulting to updaterconfig's default.
func (c Config) ChannelOrDefault() string {
	if c.Channel == "" {
		return updaterconfig.DefaultChannel
	}
	return c.Channel
}

// BaseURLOrDefault returns base_url, defaulting to updaterconfig's default.
func (c Config) BaseURLOrDefault() string {
	if c.BaseURL == "" {
		return updaterconfig.DefaultBaseURL
	}
	return c.BaseURL
}
