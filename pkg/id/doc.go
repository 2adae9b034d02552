// Package id generates the 16-byte identifiers used for scheduled tasks.
//
// An ID is [8 bytes unix ms][8 bytes sequence], big-endian, so byte order
// equals creation order. The Generator never goes backwards: a clock that
// regresses is pinned to the last millisecond seen, and a sequence that
// would wrap waits for the next millisecond.
//
//	g := id.NewGenerator()
//	taskID := g.Next()
//	key := append([]byte("task/"), taskID.Bytes()...)
//	parsed, err := id.Parse(taskID.String())
package id
