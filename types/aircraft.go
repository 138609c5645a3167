// Package types defines the shared data types passed between the feed
// pipeline stages. Records are produced once at the decode boundary and
// treated as immutable downstream.
package types

// Aircraft is one surveillance record as delivered by the firehose feed.
// Pointer fields are nil when the upstream payload omitted them; presence
// is validated by the filter engine, not re-checked downstream.
type Aircraft struct {
	// AdsHex is the stable aircraft identifier (ICAO 24-bit address in hex).
	// The decoder guarantees it is non-empty for every record it emits.
	AdsHex   string   `json:"adshex"`
	Lat      *float64 `json:"lat"`
	Lon      *float64 `json:"lon"`
	Altitude *int     `json:"altitude"`
	OnGround bool     `json:"is_on_ground"`
	VertRate int      `json:"vert_rate"`
	Heading  *float64 `json:"heading"`
	Speed    *float64 `json:"speed"`
}

// HasPosition reports whether both coordinates are present.
func (a Aircraft) HasPosition() bool {
	return a.Lat != nil && a.Lon != nil
}
