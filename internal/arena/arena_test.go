// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package arena

import (
	"bytes"
	"math/rand"
	"testing"
)

func fillEntry(t *testing.T, a *Arena, h Handle, seed byte) {
	t.Helper()
	g, ok := a.Read(h)
	if !ok {
		t.Fatalf("Read(%d) = false for live handle", h)
	}
	defer g.Release()
	for i := range g.Bytes() {
		g.Bytes()[i] = seed + byte(i)
	}
}

func checkEntry(t *testing.T, a *Arena, h Handle, seed byte) {
	t.Helper()
	g, ok := a.Read(h)
	if !ok {
		t.Fatalf("Read(%d) = false for live handle", h)
	}
	defer g.Release()
	want := make([]byte, len(g.Bytes()))
	for i := range want {
		want[i] = seed + byte(i)
	}
	if !bytes.Equal(g.Bytes(), want) {
		t.Fatalf("handle %d read back corrupted bytes", h)
	}
}

// Propriedade (a): todo handle vivo lê de volta os últimos bytes
// escritos, mesmo após dealocações que movem entries.
func TestArena_ReadBackAfterMoves(t *testing.T) {
	a := New(2 * PageSize)

	const size = 120
	var handles []Handle
	for i := 0; i < 20; i++ {
		h, err := a.Allocate(size)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		fillEntry(t, a, h, byte(i*7))
		handles = append(handles, h)
	}

	// Dealoca entries alternadas: cada dealocação move o topo da
	// página reservada sobre o buraco.
	for i := 0; i < len(handles); i += 2 {
		a.Deallocate(handles[i])
	}
	for i := 1; i < len(handles); i += 2 {
		checkEntry(t, a, handles[i], byte(i*7))
	}
}

// Propriedade (d): após Deallocate, Read retorna false.
func TestArena_ReadAfterDeallocate(t *testing.T) {
	a := New(PageSize)
	h, err := a.Allocate(64)
	if err != nil {
		t.Fatal(err)
	}
	a.Deallocate(h)
	if _, ok := a.Read(h); ok {
		t.Error("Read succeeded after Deallocate")
	}
	// Segunda dealocação é um no-op.
	a.Deallocate(h)
}

// Arena de 2 páginas enche por completo; dealocar
// uma entry preserva as demais e deixa no máximo uma página parcial.
func TestArena_FillTwoPages(t *testing.T) {
	a := New(2 * PageSize)

	const size = 250
	perPage := EntriesPerPage(size)
	total := 2 * perPage

	handles := make([]Handle, 0, total)
	for i := 0; i < total; i++ {
		h, err := a.Allocate(size)
		if err != nil {
			t.Fatalf("Allocate %d/%d: %v", i, total, err)
		}
		fillEntry(t, a, h, byte(i))
		handles = append(handles, h)
	}

	s := a.Snapshot()
	if s.FreePages != 0 {
		t.Fatalf("free pages = %d after filling", s.FreePages)
	}

	victim := handles[perPage/2]
	a.Deallocate(victim)

	partial := 0
	s = a.Snapshot()
	partial += s.ReservedPages
	if partial > 1 {
		t.Errorf("more than one partial page: %+v", s)
	}

	for i, h := range handles {
		if h == victim {
			continue
		}
		checkEntry(t, a, h, byte(i))
	}
}

// Propriedade (b): no máximo uma página parcial por size class em
// qualquer sequência de allocate/deallocate.
func TestArena_OnePartialPagePerClass(t *testing.T) {
	a := New(8 * PageSize)
	rng := rand.New(rand.NewSource(7))

	sizes := []int{56, 120, 250}
	live := make(map[Handle]int)

	for step := 0; step < 2000; step++ {
		if len(live) == 0 || rng.Intn(3) != 0 {
			size := sizes[rng.Intn(len(sizes))]
			h, err := a.Allocate(size)
			if err != nil {
				t.Fatalf("step %d: %v", step, err)
			}
			live[h] = size
		} else {
			for h := range live {
				a.Deallocate(h)
				delete(live, h)
				break
			}
		}

		s := a.Snapshot()
		if s.ReservedPages > len(sizes) {
			t.Fatalf("step %d: %d reserved pages for %d classes", step, s.ReservedPages, len(sizes))
		}
	}
}

// Sem páginas livres, alocar evita falha esvaziando uma página cheia:
// as entries evitadas passam a ler false, as demais permanecem.
func TestArena_EvictionRecycles(t *testing.T) {
	a := New(PageSize)

	const size = 500
	perPage := EntriesPerPage(size)

	first := make([]Handle, 0, perPage)
	for i := 0; i < perPage; i++ {
		h, err := a.Allocate(size)
		if err != nil {
			t.Fatal(err)
		}
		first = append(first, h)
	}

	// A página única está cheia; a próxima alocação evita e recicla.
	h, err := a.Allocate(size)
	if err != nil {
		t.Fatalf("allocation after exhaustion: %v", err)
	}
	fillEntry(t, a, h, 0xaa)
	checkEntry(t, a, h, 0xaa)

	evicted := 0
	for _, old := range first {
		if _, ok := a.Read(old); !ok {
			evicted++
		}
	}
	if evicted != perPage {
		t.Errorf("evicted %d of %d entries", evicted, perPage)
	}
}

func TestArena_RejectsOversizedEntry(t *testing.T) {
	a := New(PageSize)
	if _, err := a.Allocate(PageSize); err == nil {
		t.Error("Allocate(PageSize) succeeded")
	}
}

func TestArena_HandleReuseKeepsIsolation(t *testing.T) {
	a := New(2 * PageSize)

	h1, err := a.Allocate(64)
	if err != nil {
		t.Fatal(err)
	}
	fillEntry(t, a, h1, 1)
	a.Deallocate(h1)

	h2, err := a.Allocate(64)
	if err != nil {
		t.Fatal(err)
	}
	fillEntry(t, a, h2, 9)
	checkEntry(t, a, h2, 9)
}
