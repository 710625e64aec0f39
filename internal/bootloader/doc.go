// Package bootloader is the ordered boot pipeline owned by a stack.
//
// Boot units are registered by name with [Registry.Add], optionally relative
// to another unit with [Before] or [After]. Each registration is spliced into
// the sequence next to its anchor when the anchor is already present and
// appended otherwise. After every insertion the sequence is re-resolved with a
// stable topological pass, so constraints naming a unit that is registered
// later take effect as soon as that unit arrives, while units that already
// satisfy every constraint keep their relative order.
//
// [Registry.Run] executes the units one at a time in resolved order and stops
// at the first failure. Registration is expected to happen from a single
// goroutine during configuration; the registry is not safe for concurrent
// mutation.
//
//	loaders := bootloader.New(stack, conf)
//	_ = loaders.Add("db", openDB)
//	_ = loaders.Add("cache", warmCache, bootloader.After("db"))
//	_ = loaders.Add("config", loadConfig, bootloader.Before("db"))
//	err := loaders.Run(ctx) // config, db, cache
package bootloader
