package gateway

import "github.com/golang/snappy"

// compressSideChannel compresses an ambient telemetry payload before it is
// handed to the presence store's side channel (spec §4.4's warp.status
// handler; SPEC_FULL §2.15). This is the one consumer of the teacher's
// golang/snappy dependency, which its original go.mod required but never
// exercised directly.
func compressSideChannel(data []byte) []byte {
	return snappy.Encode(nil, data)
}

// DecompressSideChannel reverses compressSideChannel. Exported so the admin
// HTTP surface can read a peer's last warp.status telemetry back out of the
// side channel (spec §4.8 diagnostics).
func DecompressSideChannel(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}
