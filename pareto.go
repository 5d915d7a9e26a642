package tune

// dominates reports whether fitness a dominates fitness b: a is no worse
// on every objective and strictly better on at least one.
func dominates(a, b map[string]float64, objectives ObjectiveSpec) bool {
	strictly := false

	for _, o := range objectives {
		av, bv := a[o.Metric], b[o.Metric]

		if o.Mode.Better(bv, av) {
			return false
		}

		if o.Mode.Better(av, bv) {
			strictly = true
		}
	}

	return strictly
}

// paretoFront returns the trials not dominated by any other, keeping the
// input order. Every trial must carry every objective metric.
func paretoFront(trials []TrialSnapshot, objectives ObjectiveSpec) []TrialSnapshot {
	front := make([]TrialSnapshot, 0, len(trials))

	for i, candidate := range trials {
		dominated := false

		for j, other := range trials {
			if i != j && dominates(other.Fitness, candidate.Fitness, objectives) {
				dominated = true

				break
			}
		}

		if !dominated {
			front = append(front, candidate)
		}
	}

	return front
}
