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

package config

const idSample = "monitor-1"

const featuresSample = `
# Classify and report only; never move a key file or touch a DNS record.
# (default false)
analyze_only = false

# Probe the DHCP relay of every configured segment each pass.
# (default false)
dhcp_probe = false
`

const monitorSample = `
# The pause between analysis passes. (default "5m")
pass_interval = "5m"

# Lock file guarding against concurrent monitor instances.
# (default "/var/lock/meshmon.lock")
lock_file = "/var/lock/meshmon.lock"

# Directory with the static lookup tables (ZIP positions, region grid).
# Relative paths are resolved against general.config_dir.
database_dir = "database"

# Operator move policy file (YAML). Optional; without it every node is
# movable and every segment open.
policy_file = ""

# Segment receiving clouds stranded in the legacy segment and singles
# without geographic evidence. (default 8)
default_target = 8

# How long rolled-up load history is kept in the database. (default "336h")
history_retention = "336h"

# Horizon after which a node is dropped from analysis entirely.
# (default "180h")
max_inactive = "180h"

# Horizon after which a node no longer counts as online. (default "30m")
max_offline = "30m"

# Maximum acceptable age of a whole feed. (default "15m")
max_status_age = "15m"

# A feed is trusted for mutations when it covers more than trust_nodes
# nodes and its newest record is younger than trust_age.
# (default 1000, "15m")
trust_nodes = 1000
trust_age = "15m"
`

const telemetrySample = `
# URL of the aggregated respondd feed (hopglass/yanic raw.json). (required)
url = "https://hopglass.example.net/raw.json"

# HTTP basic auth for the feed, enabled when both are set.
username = ""
password = ""

# Bound on one fetch attempt. (default "30s")
timeout = "30s"

# Fetch attempts before a pass gives up on the feed. (default 5)
retries = 5

# Pause between fetch attempts. (default "2s")
retry_delay = "2s"

# Mesh interface respondd sweeps leave through when the feed lags.
# Empty disables the sweeps.
respondd_interface = ""
`

const batmanSample = `
# Path of the batctl binary. (default "/usr/sbin/batctl")
batctl = "/usr/sbin/batctl"

# Segments to scan via the kernel tables. An empty list disables the
# kernel scan, e.g. when the monitor runs off-site.
segments = []

# Bound on one table dump or traceroute. (default "10s")
timeout = "10s"

# Number of cached traceroute verdicts. (default 1024)
probe_cache_size = 1024
`

const fastdSample = `
# Key repository checkout with the per-segment peer directories. Relative
# paths are resolved against general.config_dir. Empty disables key moves.
repo_path = "peers-ffs"

# The git binary used to move and push key files. (default "git")
git = "git"

# Per-gateway fastd status endpoints; the segment is appended as "vpnNN".
status_urls = []

# Bound on one status page fetch. (default "10s")
status_timeout = "10s"

# How long fetched status pages are served from cache. (default "5m")
status_ttl = "5m"
`

const dnsSample = `
# The nodes zone, e.g. "nodes.freifunk-stuttgart.de". Empty disables the
# DNS syncer.
zone = ""

# Primary name server of the zone, host or host:port.
server = ""

# TSIG key authenticating zone transfers and updates.
tsig_name = ""
tsig_secret = ""

# TSIG algorithm. (default "hmac-sha512")
tsig_algorithm = "hmac-sha512"

# Bound on one DNS exchange. (default "10s")
timeout = "10s"

# How long a fetched zone is trusted before the SOA serial is checked
# again. (default "30m")
serial_ttl = "30m"
`

const dhcpSample = `
# IPv4 address of each segment's DHCP relay, keyed by segment number.
# Empty disables the probe even when the dhcp_probe feature is set.
# relays = { "07" = "10.190.176.1" }
relays = {}

# Client hardware address placed in the DISCOVER probes.
hardware_addr = ""

# Bound on one send/receive round. (default "1s")
timeout = "1s"

# Rounds before a relay counts as dead. (default 10)
retries = 10
`

const reportsSample = `
# File listing every known secondary address and its primary. Empty
# disables the file.
mac_table_file = ""

# Mesh cloud report with per-cloud membership, flags and totals. Empty
# disables the file.
mesh_cloud_file = ""

# Pending "git mv" commands for the operator. Written while moves are
# pending, removed otherwise. Empty disables the file.
move_file = ""
`
