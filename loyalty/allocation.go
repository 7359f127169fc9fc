/*
allocation.go - Pro-rata and weighted distribution algorithms

PURPOSE:
  Pure functions that split an aggregate earn/redeem amount across order
  line items. Used by the quote and commit engines to derive per-item
  applied amounts from the settlement totals.

DETERMINISM:
  Given identical inputs the output is 100% reproducible. Floors are
  taken first, then the remainder is distributed one unit at a time
  starting from the leftmost item, skipping items that carry no weight.

INVARIANTS:
  - sum(AllocateProRata(a, t)) == min(t, sum(a))
  - sum(AllocateByWeight(w, t)) == min(t, ...) with the same rule
  - sum(AllocateProRataWithCaps(w, c, t)) <= min(t, sum(c))
  - no share is ever negative or exceeds its cap
*/
package loyalty

// clampNonNegative floors the value at zero.
func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// AllocateProRata splits target across items proportionally to amounts.
// Each share is floored to floor(amount*target/total); the remainder is
// then handed out one unit at a time in index order, skipping
// zero-amount items, until the distributed sum reaches min(target, total).
func AllocateProRata(amounts []int64, target int64) []int64 {
	shares := make([]int64, len(amounts))
	target = clampNonNegative(target)
	var total int64
	for _, a := range amounts {
		total += clampNonNegative(a)
	}
	if total <= 0 || target <= 0 {
		return shares
	}
	if target > total {
		target = total
	}
	var distributed int64
	for i, a := range amounts {
		shares[i] = clampNonNegative(a) * target / total
		distributed += shares[i]
	}
	// Remainder pass: leftmost-first, cycling while anything is left.
	for idx := 0; distributed < target; idx = (idx + 1) % len(shares) {
		if clampNonNegative(amounts[idx]) > 0 {
			shares[idx]++
			distributed++
		}
	}
	return shares
}

// AllocateByWeight runs the same remainder-distribution algorithm keyed
// by arbitrary weights. Used for earn, where the weight is the
// pre-redeem item amount times the promotion multiplier, or an explicit
// per-item override.
func AllocateByWeight(weights []int64, total int64) []int64 {
	shares := make([]int64, len(weights))
	total = clampNonNegative(total)
	var sum int64
	for _, w := range weights {
		sum += clampNonNegative(w)
	}
	if sum <= 0 || total <= 0 {
		return shares
	}
	var distributed int64
	for i, w := range weights {
		shares[i] = clampNonNegative(w) * total / sum
		distributed += shares[i]
	}
	for idx := 0; distributed < total; idx = (idx + 1) % len(shares) {
		if clampNonNegative(weights[idx]) > 0 {
			shares[idx]++
			distributed++
		}
	}
	return shares
}

// AllocateProRataWithCaps distributes total across items by weight while
// honoring a per-item cap. It repeatedly runs AllocateProRata over the
// currently-uncapped subset, clamps each provisional share to the
// remaining cap, drops exhausted items, and stops once the target is
// exhausted or a full pass applied every share uncapped.
func AllocateProRataWithCaps(weights, caps []int64, total int64) []int64 {
	n := len(weights)
	if len(caps) < n {
		n = len(caps)
	}
	if n <= 0 {
		return nil
	}
	shares := make([]int64, n)
	remainingCaps := make([]int64, n)
	for i := 0; i < n; i++ {
		remainingCaps[i] = clampNonNegative(caps[i])
	}
	remaining := clampNonNegative(total)
	if remaining == 0 {
		return shares
	}

	active := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if clampNonNegative(weights[i]) > 0 && remainingCaps[i] > 0 {
			active = append(active, i)
		}
	}

	for remaining > 0 && len(active) > 0 {
		activeWeights := make([]int64, len(active))
		var sumWeights int64
		for pos, idx := range active {
			activeWeights[pos] = clampNonNegative(weights[idx])
			sumWeights += activeWeights[pos]
		}
		if sumWeights <= 0 {
			break
		}
		provisional := AllocateProRata(activeWeights, remaining)
		capped := false
		next := make([]int, 0, len(active))
		for pos, idx := range active {
			capLeft := remainingCaps[idx]
			if capLeft <= 0 {
				continue
			}
			applied := provisional[pos]
			if applied > capLeft {
				applied = capLeft
				capped = true
			}
			shares[idx] += applied
			remainingCaps[idx] -= applied
			remaining -= applied
			if remainingCaps[idx] > 0 {
				next = append(next, idx)
			}
		}
		active = next
		if !capped {
			break
		}
	}
	return shares
}
