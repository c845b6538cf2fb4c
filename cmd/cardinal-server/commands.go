package main

// commands builds the router with every supported command. This is the one
// place that lists what the server understands.
func (app *application) commands() *Router {
	router := NewRouter()

	// Generic
	router.Handle("PING", 0, app.handlePing)
	router.Handle("DEL", -1, app.handleDel)
	router.Handle("INFO", 0, app.handleInfo)

	// Persistence control
	router.Handle("COMPACT", 0, app.handleCompact)

	// HyperLogLog
	router.Handle("HLL.RESERVE", 2, app.handleHLLReserve)
	router.Handle("HLL.ADD", -2, app.handleHLLAdd)
	router.Handle("HLL.COUNT", -1, app.handleHLLCount)
	router.Handle("HLL.MERGE", -1, app.handleHLLMerge)
	router.Handle("HLL.CLEAR", 1, app.handleHLLClear)
	router.Handle("HLL.INFO", 1, app.handleHLLInfo)
	router.Handle("HLL.DUMP", 1, app.handleHLLDump)
	router.Handle("HLL.RESTORE", -2, app.handleHLLRestore)

	return router
}
