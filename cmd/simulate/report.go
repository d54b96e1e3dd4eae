package main

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, lo, hi, p50, p95 time.Duration) {
	om.mu.Lock()
	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	percentile := func(p int) time.Duration {
		idx := len(latencies) * p / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}

	return sum / time.Duration(len(latencies)), latencies[0], latencies[len(latencies)-1], percentile(50), percentile(95)
}

type Metrics struct {
	Race      OperationMetrics
	Booking   OperationMetrics
	Cancel    OperationMetrics
	ReadByID  OperationMetrics
	ListOwn   OperationMetrics
	ListSlots OperationMetrics
}

// RaceResult is the outcome of one slot hammered by concurrent bookers.
type RaceResult struct {
	Winners   int
	Conflicts int
	Errors    int
}

// Verification is what the database says after the run.
type Verification struct {
	DoubleBookedSlots  int
	BookedWithoutAppt  int
	ApptOnUnbookedSlot int
}

func (v Verification) OK() bool {
	return v.DoubleBookedSlots == 0 && v.BookedWithoutAppt == 0 && v.ApptOnUnbookedSlot == 0
}

func (s *Simulator) PrintReport(races []RaceResult, v Verification) {
	line := strings.Repeat("=", 80)
	fmt.Println("\n" + line)
	fmt.Println("SIMULATION REPORT")
	fmt.Println(line)
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	if len(races) > 0 {
		exact := 0
		for _, r := range races {
			if r.Winners == 1 {
				exact++
			}
		}
		fmt.Printf("Race phase: %d slots x %d callers, exactly one winner on %d/%d slots\n\n",
			len(races), s.config.RaceCallers, exact, len(races))
	}

	printOperationReport("Race booking", &s.metrics.Race)
	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("List own appointments", &s.metrics.ListOwn)
	printOperationReport("List open slots", &s.metrics.ListSlots)

	fmt.Println("Store verification:")
	fmt.Printf("  Slots with more than one appointment: %d\n", v.DoubleBookedSlots)
	fmt.Printf("  Booked slots without an appointment: %d\n", v.BookedWithoutAppt)
	fmt.Printf("  Appointments on unbooked slots: %d\n", v.ApptOnUnbookedSlot)
	if v.OK() {
		fmt.Println("  RESULT: OK")
	} else {
		fmt.Println("  RESULT: INVARIANT VIOLATED")
	}
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, lo, hi, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), lo.Round(time.Millisecond), hi.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}
