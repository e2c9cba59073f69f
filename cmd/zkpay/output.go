package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"zkpay/internal/health"
	"zkpay/internal/service"
	"zkpay/internal/zerocash"
)

var (
	ok   = color.New(color.FgGreen, color.Bold).SprintFunc()
	info = color.New(color.FgCyan).SprintFunc()
	warn = color.New(color.FgYellow, color.Bold).SprintFunc()
	fail = color.New(color.FgRed, color.Bold).SprintFunc()
)

func renderLedger(out io.Writer, snap *zerocash.Snapshot) error {
	fmt.Fprintf(out, "\n%s Commitments:\n", info("[🧾]"))
	if snap.Len() == 0 {
		fmt.Fprintln(out, "- (none yet)")
	} else {
		table := tablewriter.NewWriter(out)
		table.Header("Position", "Commitment", "Amount")
		for pos, entry := range snap.Commitments() {
			if err := table.Append([]string{strconv.FormatUint(pos, 10), entry.Commitment.String(), "hidden"}); err != nil {
				return err
			}
		}
		if err := table.Render(); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "\n%s Nullifiers:\n", info("[🚫]"))
	if snap.NullifierCount() == 0 {
		fmt.Fprintln(out, "- (none yet)")
	}
	for nf := range snap.Nullifiers() {
		fmt.Fprintf(out, "- %s\n", nf)
	}

	if snap.TransactionCount() > 0 {
		fmt.Fprintln(out)
		table := tablewriter.NewWriter(out)
		table.Header("Tx", "Anchor", "Inputs", "Outputs", "Proof bytes")
		for i, tx := range snap.Transactions() {
			row := []string{
				strconv.Itoa(i),
				tx.Anchor.Short(),
				strconv.Itoa(len(tx.InputNullifiers)),
				strconv.Itoa(len(tx.OutputCommitments)),
				strconv.Itoa(len(tx.Proof)),
			}
			if err := table.Append(row); err != nil {
				return err
			}
		}
		if err := table.Render(); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "\n%s Total transactions: %d\n", info("[📜]"), snap.TransactionCount())
	return nil
}

func renderAudit(out io.Writer, report *zerocash.AuditReport) {
	verified := report.Transactions - len(report.Invalid)
	if len(report.Invalid) == 0 {
		fmt.Fprintf(out, "%s Audit passed: %d transaction(s) verified, %d commitment(s), %d nullifier(s)\n",
			ok("[✔]"), verified, report.Commitments, report.Nullifiers)
		return
	}
	fmt.Fprintf(out, "%s %d of %d transaction(s) failed verification\n",
		fail("[✘]"), len(report.Invalid), report.Transactions)
	for _, i := range report.Invalid {
		fmt.Fprintf(out, "- transaction %d\n", i)
	}
}

func renderStatus(out io.Writer, status *service.StatusReport) error {
	h := status.Health
	fmt.Fprintf(out, "%s zkpay %s, up %s\n", statusMark(h.OverallStatus), h.Version, h.Uptime.Round(time.Millisecond))

	table := tablewriter.NewWriter(out)
	table.Header("Component", "Status", "Message", "Latency")
	for _, c := range h.Components {
		if err := table.Append([]string{c.Name, string(c.Status), c.Message, c.Latency.String()}); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	fmt.Fprintln(out)
	table = tablewriter.NewWriter(out)
	table.Header("Ledger", "Value")
	rows := [][]string{
		{"backend", status.Backend},
		{"tree depth", strconv.Itoa(status.TreeDepth)},
		{"anchor", status.Anchor.Short()},
		{"wallets", strconv.Itoa(status.Wallets)},
		{"commitments", strconv.Itoa(status.Commitments)},
		{"nullifiers", strconv.Itoa(status.Nullifiers)},
		{"transactions", strconv.Itoa(status.Transactions)},
	}
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	m := status.Metrics
	if len(m.Counters)+len(m.Gauges)+len(m.Histograms) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	table = tablewriter.NewWriter(out)
	table.Header("Metric", "Value")
	for _, key := range sortedKeys(m.Counters) {
		if err := table.Append([]string{key, strconv.FormatInt(m.Counters[key], 10)}); err != nil {
			return err
		}
	}
	for _, key := range sortedKeys(m.Gauges) {
		if err := table.Append([]string{key, strconv.FormatFloat(m.Gauges[key], 'f', -1, 64)}); err != nil {
			return err
		}
	}
	for _, key := range sortedKeys(m.Histograms) {
		s := m.Histograms[key]
		value := fmt.Sprintf("n=%.0f avg=%.3fs max=%.3fs", s.Count, s.Avg, s.Max)
		if err := table.Append([]string{key, value}); err != nil {
			return err
		}
	}
	return table.Render()
}

func statusMark(s health.HealthStatus) string {
	switch s {
	case health.Healthy:
		return ok("[✔]")
	case health.Degraded:
		return warn("[!]")
	default:
		return fail("[✘]")
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
