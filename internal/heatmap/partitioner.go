package heatmap

import "fmt"

// BuildPartitions folds a density map (sorted by Min) into at most desired
// contiguous partitions: accumulate chunks until the per-partition target
// ⌈total/desired⌉ is met and worker slots remain, then cut; the final
// partition absorbs everything left. The returned length is authoritative
// for worker count.
func BuildPartitions(chunks []Chunk, desired int) []Partition {
	if len(chunks) == 0 {
		return nil
	}
	if desired < 1 {
		desired = 1
	}

	var total int64
	for _, c := range chunks {
		total += c.Count
	}
	target := (total + int64(desired) - 1) / int64(desired)

	var out []Partition
	batchStart := chunks[0].Min
	var batchSum int64
	for i, c := range chunks {
		batchSum += c.Count
		if batchSum >= target && len(out) < desired-1 && i < len(chunks)-1 {
			out = append(out, Partition{
				ID:           fmt.Sprintf("partition-%d", len(out)),
				MinPrice:     batchStart,
				MaxPrice:     c.Max,
				TotalRecords: batchSum,
			})
			batchStart = chunks[i+1].Min
			batchSum = 0
		}
	}
	out = append(out, Partition{
		ID:           fmt.Sprintf("partition-%d", len(out)),
		MinPrice:     batchStart,
		MaxPrice:     chunks[len(chunks)-1].Max,
		TotalRecords: batchSum,
	})
	return out
}
