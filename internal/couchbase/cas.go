package couchbase

// CasManager combines CAS getting and setting capabilities.
type CasManager interface {
	CasGetter
	CasSetter
}

// CasSetter is implemented by documents that track their CAS value.
type CasSetter interface {
	SetCas(cas uint64)
}

// CasGetter exposes the CAS value read with a document.
type CasGetter interface {
	GetCas() uint64
}

// Cas can be embedded in document structs to receive the CAS value of the
// last read or write.
type Cas struct {
	c uint64
}

func (c *Cas) GetCas() uint64 {
	return c.c
}

func (c *Cas) SetCas(cas uint64) {
	c.c = cas
}
