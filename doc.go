// Package rotogen dispatches large batches of generation requests to an
// LLM endpoint, spreading load across multiple API keys with several
// concurrent worker slots per key. Each slot enforces a minimum interval
// between requests; keys that hit rate limits cool down and recover, keys
// that are suspended or invalid are permanently retired, and failures are
// classified so key problems never consume a task's retry budget.
// Completed results checkpoint to disk incrementally, so an interrupted
// batch resumes where it left off.
//
// A Generator holds the key pool and its health state; batches run
// through GenerateBatch:
//
//	gen, err := rotogen.New(rotogen.Config{
//		ModelName: "gemini-2.0-flash-exp",
//		APIKeys:   []string{"key1", "key2", "key3"},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer gen.Close()
//
//	results, err := gen.GenerateBatch(ctx, rotogen.Prompts(prompts), rotogen.BatchOptions{
//		OutputFile: "results.jsonl",
//	})
package rotogen
