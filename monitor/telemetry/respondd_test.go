// Copyright 2025 Freifunk Stuttgart e.V.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package telemetry_test

import (
	"bytes"
	"compress/flate"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freifunk-stuttgart/meshmon/monitor/telemetry"
	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
)

const probeAnswer = `{
	"nodeinfo": {
		"node_id": "02aa00000001",
		"hostname": "ffs-probed",
		"network": {"mac": "02:aa:00:00:00:01"},
		"software": {"firmware": {"release": "1.9+2023-01-01"}}
	},
	"statistics": {"node_id": "02aa00000001", "uptime": 120, "clients": {"total": 2}}
}`

func deflate(t *testing.T, plain string) []byte {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = w.Write([]byte(plain))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestDecodeResponse(t *testing.T) {
	t.Run("deflate compressed", func(t *testing.T) {
		rec, err := telemetry.DecodeResponse(deflate(t, probeAnswer), testNow)
		require.NoError(t, err)
		assert.Equal(t, addr.MustParseMAC("02:aa:00:00:00:01"), rec.MAC)
		assert.Equal(t, "ffs-probed", rec.Name)
		assert.Equal(t, 2, rec.Clients)
		// A probe answer is evidence the node is alive right now.
		assert.Equal(t, testNow, rec.LastSeen)
	})

	t.Run("plain json", func(t *testing.T) {
		rec, err := telemetry.DecodeResponse([]byte(probeAnswer), testNow)
		require.NoError(t, err)
		assert.Equal(t, "ffs-probed", rec.Name)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := telemetry.DecodeResponse([]byte{0xff, 0x00, 0x13}, testNow)
		assert.Error(t, err)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := telemetry.DecodeResponse(nil, testNow)
		assert.Error(t, err)
	})

	t.Run("missing statistics", func(t *testing.T) {
		_, err := telemetry.DecodeResponse([]byte(`{
			"nodeinfo": {
				"node_id": "02aa00000001",
				"hostname": "ffs-probed",
				"network": {"mac": "02:aa:00:00:00:01"},
				"software": {"firmware": {"release": "1.9"}}
			}
		}`), testNow)
		assert.Error(t, err)
	})
}
