// Package keys derives cache key names. Statistics keys hash the
// pipeline that produced the response, so any change to the query
// shape naturally misses the old entries.
package keys

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// StationStatistics keys are addressable by station id so ride-ingest
// events can invalidate them without knowing the pipeline.
func StationStatistics(stationID int) string {
	return fmt.Sprintf("stats:station:%d", stationID)
}

// AreaStatistics keys hash the marshaled pipeline; builders are
// deterministic, so identical viewports share an entry.
func AreaStatistics(pipelineJSON []byte) string {
	return fmt.Sprintf("stats:area:%016x", xxhash.Sum64(pipelineJSON))
}

// CellIndex names the set of area keys whose bounding box covers an
// H3 cell.
func CellIndex(cell string) string {
	return "cellidx:" + cell
}
