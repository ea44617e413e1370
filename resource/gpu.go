package resource

// CheckGPU probes for a GPU and returns a short description of the first one found.
// It is advisory only and not part of the contribution.
func (s *Sampler) CheckGPU() (string, bool) {
	return probeGPU()
}
