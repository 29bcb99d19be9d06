package metrics

// Pre-defined metrics for the Vanadium secure-element VM. All metrics live
// in DefaultRegistry so they are globally accessible without passing a
// registry around. They are recorded in every build; no build tag turns
// them off.

var (
	// ---- Interpreter metrics ----

	// InstructionsRetired counts committed RV32IMC instructions.
	InstructionsRetired = DefaultRegistry.Counter("cpu.minstret")
	// CyclesElapsed approximates mcycle (1 cycle per retired instruction).
	CyclesElapsed = DefaultRegistry.Counter("cpu.mcycle")
	// EcallsHandled counts ECALL traps forwarded to the host bridge.
	EcallsHandled = DefaultRegistry.Counter("cpu.ecalls")

	// ---- Page cache metrics ----

	// CacheHits counts page accesses served from a resident slot.
	CacheHits = DefaultRegistry.Counter("pagecache.hits")
	// CacheMisses counts page accesses that required a GetPage round-trip.
	CacheMisses = DefaultRegistry.Counter("pagecache.misses")
	// CacheEvictions counts slot evictions (clean or dirty).
	CacheEvictions = DefaultRegistry.Counter("pagecache.evictions")
	// CacheWriteBacks counts evictions that required a CommitPage round-trip.
	CacheWriteBacks = DefaultRegistry.Counter("pagecache.writebacks")
	// ResidentPages tracks the number of occupied cache slots.
	ResidentPages = DefaultRegistry.Gauge("pagecache.resident")

	// ---- Host oracle metrics ----

	// HostRoundTrips counts GetPage/CommitPage/Exchange requests issued.
	HostRoundTrips = DefaultRegistry.Counter("hostio.roundtrips")
	// HostLatency records round-trip latency in milliseconds.
	HostLatency = DefaultRegistry.Histogram("hostio.latency_ms")
	// AuthFailures counts MAC, HMAC, or Merkle-proof verification failures.
	AuthFailures = DefaultRegistry.Counter("hostio.auth_failures")
	// HostRoundTripRate tracks the short-window rate of oracle round
	// trips, the signal an operator watches to notice a V-App whose
	// page-fault rate is climbing mid-session rather than only after it
	// tears down.
	HostRoundTripRate = DefaultRegistry.Meter("hostio.roundtrip_rate")

	// ---- Session metrics ----

	// SessionsStarted counts RunApp invocations.
	SessionsStarted = DefaultRegistry.Counter("session.started")
	// SessionsFaulted counts sessions that ended via Faulted.
	SessionsFaulted = DefaultRegistry.Counter("session.faulted")
)
