package decoder

// SetAvailableMemory replaces the memory probe used by StrategyAuto and
// returns a function restoring the original.
func SetAvailableMemory(f func() (uint64, error)) (restore func()) {
	old := availableMemory
	availableMemory = f
	return func() { availableMemory = old }
}
