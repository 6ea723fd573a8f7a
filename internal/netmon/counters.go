package netmon

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// InterfaceCounters holds cumulative per-interface counters. Both read
// paths (the counters file and the diagnostic command) produce this same
// shape.
type InterfaceCounters struct {
	RxBytes   uint64
	TxBytes   uint64
	RxPackets uint64
	TxPackets uint64
}

// Snapshot is one reading of all visible interfaces.
type Snapshot struct {
	At           time.Time
	PerInterface map[string]InterfaceCounters
}

// readProcCounters parses a /proc/net/dev-format counters file.
func readProcCounters(path string) (map[string]InterfaceCounters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("netmon: read counters file: %w", err)
	}
	return parseProcCounters(data)
}

func parseProcCounters(data []byte) (map[string]InterfaceCounters, error) {
	out := make(map[string]InterfaceCounters)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue // header lines
		}
		name := strings.TrimSpace(line[:colon])
		fields := strings.Fields(line[colon+1:])
		if name == "" || len(fields) < 10 {
			continue
		}
		rxBytes, err1 := strconv.ParseUint(fields[0], 10, 64)
		rxPackets, err2 := strconv.ParseUint(fields[1], 10, 64)
		txBytes, err3 := strconv.ParseUint(fields[8], 10, 64)
		txPackets, err4 := strconv.ParseUint(fields[9], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			continue
		}
		out[name] = InterfaceCounters{
			RxBytes:   rxBytes,
			TxBytes:   txBytes,
			RxPackets: rxPackets,
			TxPackets: txPackets,
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("netmon: scan counters: %w", err)
	}
	return out, nil
}

// readLinkStats runs `ip -s link` and parses its per-interface RX/TX
// byte and packet counts. Fallback path when the counters file is
// unavailable.
func readLinkStats() (map[string]InterfaceCounters, error) {
	out, err := exec.Command("ip", "-s", "link").Output()
	if err != nil {
		return nil, fmt.Errorf("netmon: ip -s link: %w", err)
	}
	return parseLinkStats(out)
}

func parseLinkStats(data []byte) (map[string]InterfaceCounters, error) {
	out := make(map[string]InterfaceCounters)
	sc := bufio.NewScanner(bytes.NewReader(data))

	var name string
	var cur InterfaceCounters
	var expect string // "rx" or "tx" when the next line carries numbers

	flush := func() {
		if name != "" {
			out[name] = cur
		}
	}

	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)

		// Interface header: "2: eth0: <...> mtu ..." (possibly eth0@if3).
		if len(line) > 0 && line[0] >= '0' && line[0] <= '9' {
			parts := strings.SplitN(trimmed, ":", 3)
			if len(parts) >= 2 {
				flush()
				name = strings.TrimSpace(parts[1])
				if at := strings.IndexByte(name, '@'); at >= 0 {
					name = name[:at]
				}
				cur = InterfaceCounters{}
				expect = ""
			}
			continue
		}

		switch {
		case strings.HasPrefix(trimmed, "RX:"):
			expect = "rx"
		case strings.HasPrefix(trimmed, "TX:"):
			expect = "tx"
		case expect != "":
			fields := strings.Fields(trimmed)
			if len(fields) >= 2 {
				b, err1 := strconv.ParseUint(fields[0], 10, 64)
				p, err2 := strconv.ParseUint(fields[1], 10, 64)
				if err1 == nil && err2 == nil {
					if expect == "rx" {
						cur.RxBytes, cur.RxPackets = b, p
					} else {
						cur.TxBytes, cur.TxPackets = b, p
					}
				}
			}
			expect = ""
		}
	}
	flush()
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("netmon: scan link stats: %w", err)
	}
	return out, nil
}
