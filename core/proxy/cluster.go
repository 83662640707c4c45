package proxy

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pyropy/slotcluster/core/model"
	"github.com/pyropy/slotcluster/core/topology"
	"github.com/pyropy/slotcluster/lib/checksum"
	"github.com/tidwall/redcon"
	"golang.org/x/exp/slices"
)

func (s *Server) handleCluster(conn redcon.Conn, args [][]byte) {
	if len(args) < 2 {
		conn.WriteError("ERR wrong number of arguments for 'cluster' command")
		return
	}

	sub := strings.ToUpper(string(args[1]))
	if sub == "KEYSLOT" {
		if len(args) != 3 {
			conn.WriteError("ERR wrong number of arguments for 'cluster keyslot' command")
			return
		}
		conn.WriteInt(model.SlotOf(args[2]))
		return
	}

	snap, err := s.cache.Current()
	if err != nil {
		conn.WriteError(replyError(err))
		return
	}

	switch sub {
	case "NODES":
		conn.WriteBulkString(clusterNodes(snap, s.router.Address()))
	case "SLOTS":
		writeClusterSlots(conn, snap)
	case "INFO":
		conn.WriteBulkString(clusterInfo(snap))
	default:
		conn.WriteError(fmt.Sprintf("ERR unknown cluster subcommand '%s'", args[1]))
	}
}

func nodeID(address string) string {
	return checksum.Fingerprint([]byte(address))[:40]
}

// proxySlots groups slot ranges by the proxy serving them. Slots in switching
// migrations are reported under the destination's proxy.
func proxySlots(snap *topology.Snapshot) map[string]model.SlotRanges {
	out := make(map[string]model.SlotRanges)
	for _, c := range snap.Topology.Chunks {
		if _, ok := out[c.Proxy]; !ok {
			out[c.Proxy] = nil
		}
		out[c.Proxy] = append(out[c.Proxy], c.Slots...)
	}

	for _, m := range snap.Topology.Migrations {
		if m.State != model.MigrationSwitching {
			continue
		}
		src, _ := snap.Chunk(m.Source)
		dst, _ := snap.Chunk(m.Destination)
		out[src.Proxy] = out[src.Proxy].Subtract(m.Range)
		out[dst.Proxy] = out[dst.Proxy].Add(m.Range)
	}

	for p, rs := range out {
		out[p] = rs.Normalize()
	}
	return out
}

func sortedProxies(slots map[string]model.SlotRanges) []string {
	proxies := make([]string, 0, len(slots))
	for p := range slots {
		proxies = append(proxies, p)
	}
	slices.Sort(proxies)
	return proxies
}

func clusterNodes(snap *topology.Snapshot, self string) string {
	slots := proxySlots(snap)

	var b strings.Builder
	for _, p := range sortedProxies(slots) {
		flags := "master"
		if p == self {
			flags = "myself,master"
		}
		host, port := splitAddress(p)
		fmt.Fprintf(&b, "%s %s:%d@%d %s - 0 0 %d connected", nodeID(p), host, port, port+10000, flags, snap.Epoch())
		for _, r := range slots[p] {
			b.WriteString(" ")
			b.WriteString(r.String())
		}
		b.WriteString("\n")
	}
	return b.String()
}

func writeClusterSlots(conn redcon.Conn, snap *topology.Snapshot) {
	slots := proxySlots(snap)

	type entry struct {
		r     model.SlotRange
		proxy string
	}
	var entries []entry
	for p, rs := range slots {
		for _, r := range rs {
			entries = append(entries, entry{r: r, proxy: p})
		}
	}
	slices.SortFunc(entries, func(a, b entry) int { return a.r.Start - b.r.Start })

	conn.WriteArray(len(entries))
	for _, e := range entries {
		host, port := splitAddress(e.proxy)
		conn.WriteArray(3)
		conn.WriteInt(e.r.Start)
		conn.WriteInt(e.r.End)
		conn.WriteArray(3)
		conn.WriteBulkString(host)
		conn.WriteInt(port)
		conn.WriteBulkString(nodeID(e.proxy))
	}
}

func clusterInfo(snap *topology.Snapshot) string {
	assigned := model.SlotCount - snap.Topology.UnownedSlots().Count()
	state := "ok"
	if assigned < model.SlotCount {
		state = "fail"
	}

	return fmt.Sprintf("cluster_state:%s\r\ncluster_slots_assigned:%d\r\ncluster_known_nodes:%d\r\ncluster_current_epoch:%d\r\n",
		state, assigned, len(proxySlots(snap)), snap.Epoch())
}

func splitAddress(addr string) (string, int) {
	host, portRaw, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, _ := strconv.Atoi(portRaw)
	return host, port
}
