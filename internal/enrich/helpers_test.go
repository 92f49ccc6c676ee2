package enrich

import "github.com/hollomancer/sbir-analytics-sub004/pkg/types"

func record(id string, kv ...string) types.Record {
	rec := types.Record{"award_id": id}
	for i := 0; i+1 < len(kv); i += 2 {
		rec[kv[i]] = kv[i+1]
	}
	return rec
}

func chunkOf(recs ...types.Record) types.Chunk {
	return types.Chunk{Records: recs}
}
