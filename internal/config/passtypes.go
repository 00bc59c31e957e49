package config

import (
	"embed"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/badgesync/meshsync/pkg/mesh/types"
)

//go:embed assets/passtypes.json
var bundledPassTypes embed.FS

// LoadBundledPassTypes parses the pass-type snapshot shipped inside
// the binary, for SeedPassType calls at bootstrap after the store's
// own projection (which always takes precedence on conflict) has been
// seeded, per spec.md section 3.
func LoadBundledPassTypes() (map[string]types.PassType, error) {
	data, err := bundledPassTypes.ReadFile("assets/passtypes.json")
	if err != nil {
		return nil, errors.Wrap(err, "reading bundled pass-type snapshot")
	}
	var raw map[string]string
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "parsing bundled pass-type snapshot")
	}
	out := make(map[string]types.PassType, len(raw))
	for code, kind := range raw {
		out[code] = types.PassType(kind)
	}
	return out, nil
}
