package objcache

// Value is an opaque handle produced by a kind adapter. The cache never
// inspects it; it only passes it back to the adapter's Duplicate and
// Destroy operations.
type Value any

// Kind is one entry of the fixed material-kind table: the plug-in surface
// that makes the cache polymorphic. Order is the stable secondary index
// key and must not change for the cache's lifetime.
type Kind struct {
	// Name appears in diagnostics and metrics labels.
	Name string

	// Order breaks hash ties in the index.
	Order int

	// AcceptsData permits "data:" inline identities.
	AcceptsData bool

	// AcceptsEngine permits "engine:" identities.
	AcceptsEngine bool

	// Create parses a fresh value from the identity and optional
	// auxiliary data.
	Create func(id Key, aux any) (Value, error)

	// Duplicate produces an additional independently-releasable handle
	// to an existing value.
	Duplicate func(v Value) (Value, error)

	// Destroy releases one handle.
	Destroy func(v Value)

	// Bypass, when non-nil and true for the given auxiliary data, makes
	// fetches skip the cache entirely and parse fresh. Private keys use
	// this so passphrase material never persists alongside cached
	// objects.
	Bypass func(aux any) bool
}

func (k *Kind) bypass(aux any) bool {
	return k.Bypass != nil && k.Bypass(aux)
}
