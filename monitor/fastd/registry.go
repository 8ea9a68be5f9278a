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

// Package fastd reads the VPN key registry, a git checkout with one
// directory per segment ("vpnNN/peers/") holding one key file per node,
// binds the live tunnel addresses from the gateways' fastd status pages,
// and applies the key moves the pass decides on.
package fastd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/freifunk-stuttgart/meshmon/monitor/node"
	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
	"github.com/freifunk-stuttgart/meshmon/pkg/log"
	"github.com/freifunk-stuttgart/meshmon/pkg/private/serrors"
)

var (
	// keyFilePattern matches the regular peer file names "ffs-<nodeid>".
	keyFilePattern = regexp.MustCompile(`^ffs-[0-9a-f]{12}$`)
	// gatewayFilePattern matches gateway peer files, which carry no node.
	gatewayFilePattern = regexp.MustCompile(`^gw[0-9]{2}`)
	// fastdKeyPattern matches a fastd public key in hex.
	fastdKeyPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// Key is one key file of the registry.
type Key struct {
	// SegDir is the segment directory, e.g. "vpn07".
	SegDir string
	// FileName is the key file name, "ffs-" plus the node id.
	FileName string
	MAC      addr.MAC
	Name     string
	// Key is the fastd public key in hex.
	Key  string
	Mode node.SegmentMode

	// VpnMAC is the tunnel address of the live connection, zero while the
	// key is not connected to any gateway. Established is when that
	// connection came up.
	VpnMAC      addr.MAC
	Established time.Time
}

// Registry is the parsed key registry of one pass.
type Registry struct {
	path   string
	logger log.Logger

	// keys by file name, the registry's natural identity.
	keys map[string]*Key
	// byKey maps the fastd public key back to the file carrying it.
	byKey    map[string]*Key
	segments []addr.Segment
	alerts   []string
}

// LoadRegistry scans a key repository checkout. Malformed key files are
// reported and skipped, they never abort the scan.
func LoadRegistry(path string, logger log.Logger) (*Registry, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, serrors.Wrap("reading key repository", err, "path", path)
	}
	r := &Registry{
		path:   path,
		logger: logger,
		keys:   make(map[string]*Key),
		byKey:  make(map[string]*Key),
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "vpn") {
			continue
		}
		seg, err := addr.ParseSegment(entry.Name())
		if err != nil {
			continue
		}
		r.segments = append(r.segments, seg)
		r.scanSegment(entry.Name())
	}
	sort.Slice(r.segments, func(i, j int) bool {
		return r.segments[i] < r.segments[j]
	})
	log.SafeInfo(logger, "Key registry loaded",
		"path", path, "segments", len(r.segments), "keys", len(r.keys))
	return r, nil
}

// Segments returns the segments the registry has directories for, in
// ascending order.
func (r *Registry) Segments() []addr.Segment {
	return r.segments
}

// Keys returns all key files ordered by file name.
func (r *Registry) Keys() []*Key {
	keys := make([]*Key, 0, len(r.keys))
	for _, k := range r.keys {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].FileName < keys[j].FileName
	})
	return keys
}

// Records converts the registry into the key records the node store merges.
func (r *Registry) Records() []node.KeyRecord {
	recs := make([]node.KeyRecord, 0, len(r.keys))
	for _, k := range r.Keys() {
		recs = append(recs, node.KeyRecord{
			KeyDir:   k.SegDir,
			KeyFile:  k.FileName,
			MAC:      k.MAC,
			Name:     k.Name,
			Key:      k.Key,
			Mode:     k.Mode,
			VpnMAC:   k.VpnMAC,
			LastConn: k.Established,
		})
	}
	return recs
}

// Alerts returns the inconsistencies found while scanning and binding.
func (r *Registry) Alerts() []string {
	return r.alerts
}

func (r *Registry) scanSegment(segDir string) {
	peerPath := filepath.Join(r.path, segDir, "peers")
	entries, err := os.ReadDir(peerPath)
	if err != nil {
		log.SafeInfo(r.logger, "Segment without peers directory",
			"dir", segDir, "err", err)
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || gatewayFilePattern.MatchString(name) {
			continue
		}
		if !keyFilePattern.MatchString(name) {
			r.alertf("invalid key file name: %s/peers/%s", segDir, name)
			continue
		}
		key, err := parseKeyFile(filepath.Join(peerPath, name), segDir, name)
		if err != nil {
			r.alertf("unreadable key file %s/peers/%s: %v", segDir, name, err)
			continue
		}
		r.addKey(key)
	}
}

func (r *Registry) addKey(key *Key) {
	if dup, ok := r.keys[key.FileName]; ok {
		r.alertf("duplicate key file: %s exists in %s and %s",
			key.FileName, dup.SegDir, key.SegDir)
		return
	}
	if dup, ok := r.byKey[key.Key]; ok {
		r.alertf("duplicate fastd key: %s/%s and %s/%s share one key",
			dup.SegDir, dup.FileName, key.SegDir, key.FileName)
		return
	}
	r.keys[key.FileName] = key
	r.byKey[key.Key] = key
}

func (r *Registry) alertf(format string, args ...any) {
	alert := fmt.Sprintf(format, args...)
	r.alerts = append(r.alerts, alert)
	log.SafeInfo(r.logger, "Key registry alert", "alert", alert)
}

// parseKeyFile reads one key file. The node address comes from the "#MAC:"
// annotation, with the file name as fallback; a mismatch between the two is
// an error.
func parseKeyFile(path, segDir, fileName string) (*Key, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	key := &Key{SegDir: segDir, FileName: fileName}
	fileMAC, err := addr.ParseNodeID(strings.TrimPrefix(fileName, "ffs-"))
	if err != nil {
		return nil, serrors.Wrap("parsing file name", err)
	}

	var modeErr error
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\n")
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "#mac: "):
			mac, err := addr.ParseMAC(strings.TrimSpace(line[6:]))
			if err != nil {
				return nil, serrors.Wrap("parsing #MAC annotation", err)
			}
			key.MAC = mac
		case strings.HasPrefix(lower, "#hostname: "):
			key.Name = strings.TrimSpace(line[11:])
		case strings.HasPrefix(lower, "#segment: "):
			key.Mode, modeErr = node.ParseSegmentMode(line[10:])
		case strings.HasPrefix(lower, "key "):
			key.Key = strings.Trim(strings.TrimSpace(line[4:]), `";`)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !fastdKeyPattern.MatchString(key.Key) {
		return nil, serrors.New("missing or malformed key statement")
	}
	if modeErr != nil {
		return nil, modeErr
	}
	switch {
	case key.MAC.IsZero():
		key.MAC = fileMAC
	case key.MAC != fileMAC:
		return nil, serrors.New("file name and #MAC annotation disagree",
			"file", fileName, "mac", key.MAC)
	}
	return key, nil
}
