package grove

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grovekv/grovekv/element"
	"github.com/grovekv/grovekv/lib/crypto"
	"github.com/grovekv/grovekv/query"
)

func groveRoot(t *testing.T, g *GroveDB) crypto.Hash {
	t.Helper()
	root, err := g.RootHash().Unwrap()
	require.NoError(t, err)
	return root
}

func proveAndVerify(t *testing.T, g *GroveDB, pq *PathQuery) *VerifyResult {
	t.Helper()
	proof, err := g.Prove(pq).Unwrap()
	require.NoError(t, err)
	res, err := proof.Verify(pq, groveRoot(t, g)).Unwrap()
	require.NoError(t, err)
	return res
}

func TestProveVerifyRootLayer(t *testing.T) {
	g := testDB(t)
	for i := 0; i < 8; i++ {
		mustPut(t, g, nil, []byte(fmt.Sprintf("k%d", i)), element.NewItem([]byte(fmt.Sprintf("v%d", i))))
	}
	q := query.NewQuery()
	q.InsertKey([]byte("k3"))
	res := proveAndVerify(t, g, &PathQuery{Path: nil, Query: q})
	require.Len(t, res.Entries, 1)
	require.Equal(t, []byte("k3"), res.Entries[0].Key)

	elem, err := element.Deserialize(res.Entries[0].Value)
	require.NoError(t, err)
	require.Equal(t, []byte("v3"), elem.Value)
}

func TestProveVerifyNestedPath(t *testing.T) {
	g := testDB(t)
	_, err := g.CreateTree(nil, []byte("app")).Unwrap()
	require.NoError(t, err)
	_, err = g.CreateTree(path("app"), []byte("users")).Unwrap()
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("u%02d", i))
		mustPut(t, g, path("app", "users"), key, element.NewItem([]byte(fmt.Sprintf("name%d", i))))
	}
	q := query.NewQuery()
	q.InsertItem(query.NewRange([]byte("u03"), []byte("u07")))
	res := proveAndVerify(t, g, &PathQuery{Path: path("app", "users"), Query: q})
	require.Len(t, res.Entries, 4)
	require.Equal(t, []byte("u03"), res.Entries[0].Key)
	require.Equal(t, []byte("u06"), res.Entries[3].Key)
}

func TestProveVerifyDescendingOrder(t *testing.T) {
	g := testDB(t)
	for i := 0; i < 5; i++ {
		mustPut(t, g, nil, []byte(fmt.Sprintf("k%d", i)), element.NewItem([]byte("v")))
	}
	q := query.NewQuery()
	q.InsertAll()
	q.LeftToRight = false
	res := proveAndVerify(t, g, &PathQuery{Path: nil, Query: q})
	require.Len(t, res.Entries, 5)
	require.Equal(t, []byte("k4"), res.Entries[0].Key)
	require.Equal(t, []byte("k0"), res.Entries[4].Key)
}

func TestProveVerifyWithLimit(t *testing.T) {
	g := testDB(t)
	for i := 0; i < 8; i++ {
		mustPut(t, g, nil, []byte(fmt.Sprintf("k%d", i)), element.NewItem([]byte("v")))
	}
	limit := uint16(3)
	q := query.NewQuery()
	q.InsertAll()
	res := proveAndVerify(t, g, &PathQuery{Path: nil, Query: q, Limit: &limit})
	require.Len(t, res.Entries, 3)
	require.Equal(t, []byte("k0"), res.Entries[0].Key)
}

func TestProveVerifyEmptySubtree(t *testing.T) {
	g := testDB(t)
	_, err := g.CreateTree(nil, []byte("empty")).Unwrap()
	require.NoError(t, err)
	q := query.NewQuery()
	q.InsertKey([]byte("anything"))
	res := proveAndVerify(t, g, &PathQuery{Path: path("empty"), Query: q})
	require.Empty(t, res.Entries)
}

func TestProveVerifyAbsentKey(t *testing.T) {
	g := testDB(t)
	mustPut(t, g, nil, []byte("a"), element.NewItem([]byte("1")))
	mustPut(t, g, nil, []byte("c"), element.NewItem([]byte("3")))
	q := query.NewQuery()
	q.InsertKey([]byte("b"))
	// an absence proof verifies but surfaces nothing
	res := proveAndVerify(t, g, &PathQuery{Path: nil, Query: q})
	require.Empty(t, res.Entries)
}

func TestVerifyRejectsWrongRoot(t *testing.T) {
	g := testDB(t)
	mustPut(t, g, nil, []byte("k"), element.NewItem([]byte("v")))
	q := query.NewQuery()
	q.InsertKey([]byte("k"))
	pq := &PathQuery{Path: nil, Query: q}
	proof, err := g.Prove(pq).Unwrap()
	require.NoError(t, err)

	wrong := groveRoot(t, g)
	wrong[0] ^= 0xff
	_, err = proof.Verify(pq, wrong).Unwrap()
	require.Error(t, err)
}

func TestVerifyRejectsLayerCountMismatch(t *testing.T) {
	g := testDB(t)
	_, err := g.CreateTree(nil, []byte("t")).Unwrap()
	require.NoError(t, err)
	mustPut(t, g, path("t"), []byte("k"), element.NewItem([]byte("v")))
	q := query.NewQuery()
	q.InsertKey([]byte("k"))
	proof, err := g.Prove(&PathQuery{Path: path("t"), Query: q}).Unwrap()
	require.NoError(t, err)

	_, err = proof.Verify(&PathQuery{Path: nil, Query: q}, groveRoot(t, g)).Unwrap()
	require.Error(t, err)
}

func TestVerifyRejectsTamperedValue(t *testing.T) {
	g := testDB(t)
	_, err := g.CreateTree(nil, []byte("t")).Unwrap()
	require.NoError(t, err)
	mustPut(t, g, path("t"), []byte("k"), element.NewItem([]byte("honest")))
	q := query.NewQuery()
	q.InsertKey([]byte("k"))
	pq := &PathQuery{Path: path("t"), Query: q}
	proof, err := g.Prove(pq).Unwrap()
	require.NoError(t, err)

	// corrupt the surfaced value in the terminal layer
	tampered := false
	terminal := proof.Layers[len(proof.Layers)-1]
	for _, op := range terminal {
		if op.Node != nil && len(op.Node.Value) > 0 && op.Node.HasKey() {
			op.Node.Value[len(op.Node.Value)-1] ^= 0xff
			tampered = true
			break
		}
	}
	require.True(t, tampered)
	_, err = proof.Verify(pq, groveRoot(t, g)).Unwrap()
	require.Error(t, err)
}

func TestProofSurfacesReferenceTargets(t *testing.T) {
	g := testDB(t)
	_, err := g.CreateTree(nil, []byte("data")).Unwrap()
	require.NoError(t, err)
	mustPut(t, g, path("data"), []byte("k"), element.NewItem([]byte("target")))
	_, err = g.CreateTree(nil, []byte("idx")).Unwrap()
	require.NoError(t, err)
	mustPut(t, g, path("idx"), []byte("r"),
		element.NewReference(element.AbsoluteRef([]byte("data"), []byte("k"))))

	q := query.NewQuery()
	q.InsertKey([]byte("r"))
	res := proveAndVerify(t, g, &PathQuery{Path: path("idx"), Query: q})
	require.Len(t, res.Entries, 1)

	// the proof carries the dereferenced target, not the reference itself
	elem, err := element.Deserialize(res.Entries[0].Value)
	require.NoError(t, err)
	require.Equal(t, element.TypeItem, elem.Type)
	require.Equal(t, []byte("target"), elem.Value)
}

func TestProvableCountTreeProof(t *testing.T) {
	g := testDB(t)
	mustPut(t, g, nil, []byte("pc"), element.NewProvableCountTree(nil, 0))
	for i := 0; i < 4; i++ {
		mustPut(t, g, path("pc"), []byte(fmt.Sprintf("k%d", i)), element.NewItem([]byte("v")))
	}
	elem, err := g.GetRaw(nil, []byte("pc")).Unwrap()
	require.NoError(t, err)
	require.EqualValues(t, 4, elem.Count)

	q := query.NewQuery()
	q.InsertKey([]byte("k2"))
	res := proveAndVerify(t, g, &PathQuery{Path: path("pc"), Query: q})
	require.Len(t, res.Entries, 1)
}

func TestProofEncodeDecodeRoundtrip(t *testing.T) {
	g := testDB(t)
	_, err := g.CreateTree(nil, []byte("t")).Unwrap()
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		mustPut(t, g, path("t"), []byte(fmt.Sprintf("k%d", i)), element.NewItem([]byte("v")))
	}
	q := query.NewQuery()
	q.InsertItem(query.NewRange([]byte("k1"), []byte("k4")))
	q.LeftToRight = false
	pq := &PathQuery{Path: path("t"), Query: q}
	proof, err := g.Prove(pq).Unwrap()
	require.NoError(t, err)

	decoded, err := DecodeProof(proof.Encode())
	require.NoError(t, err)
	require.Equal(t, proof.LeftToRight, decoded.LeftToRight)
	require.Len(t, decoded.Layers, len(proof.Layers))

	res, err := decoded.Verify(pq, groveRoot(t, g)).Unwrap()
	require.NoError(t, err)
	require.Len(t, res.Entries, 3)
}

func TestDecodeProofRejectsCorruption(t *testing.T) {
	_, err := DecodeProof(nil)
	require.Error(t, err)
	_, err = DecodeProof([]byte{2})
	require.Error(t, err)
	_, err = DecodeProof([]byte{1, 5})
	require.Error(t, err)
}

func TestProveRejectsEmptyQuery(t *testing.T) {
	g := testDB(t)
	_, err := g.Prove(&PathQuery{Path: nil, Query: query.NewQuery()}).Unwrap()
	require.Error(t, err)
}
