package store

import jsoniter "github.com/json-iterator/go"

// wireJSON matches the codec the Transport uses, so the day_enabled
// projection stored here round-trips identically to what the wire
// protocol expects.
var wireJSON = jsoniter.ConfigCompatibleWithStandardLibrary
