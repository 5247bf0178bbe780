// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package arena implementa o slab allocator de arena fixa usado pelo
// store de path secrets.
//
// A arena é dimensionada na inicialização em páginas de 8KiB. Cada
// página está em um de três estados: livre (pilha LIFO), parcialmente
// alocada (no máximo uma página reservada por size class) ou
// totalmente alocada (deque por size class, em ordem de alocação).
//
// No deallocate, a entry do topo da página reservada é movida sobre a
// entry liberada (swap-on-free) e o back-pointer da entry movida é
// atualizado na tabela de parents. Isso mantém as entries compactadas
// sem compactação global: a fragmentação é limitada a uma página por
// size class.
package arena

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// PageSize é o tamanho de cada página da arena.
const PageSize = 8192

// pageHeaderSize: contador u16 de entries vivas + size class u32.
const pageHeaderSize = 6

// parentPrefixSize: cada entry começa com o índice u32 do seu slot na
// tabela de parents, permitindo ao allocator reapontar o handle quando
// move a entry.
const parentPrefixSize = 4

// entryAlign é o alinhamento das entries dentro da página.
const entryAlign = 8

// ErrEntrySize indica um pedido de alocação que não cabe em uma página.
var ErrEntrySize = errors.New("arena: entry size exceeds page capacity")

// Handle identifica uma alocação viva. Handles permanecem válidos
// através de movimentações de entry; valem até o Deallocate.
type Handle int

// deallocated marca um parent cujo entry foi liberado (ex: eviction).
const deallocated = int64(-1)

// parentSlot é uma linha da tabela de indireção handle → offset.
// O mutex é mantido por toda a vida de um guard de leitura; o
// allocator o adquire antes de mover ou liberar a entry.
type parentSlot struct {
	mu     sync.Mutex
	offset int64
	used   bool
}

// Arena é o allocator. Todas as operações estruturais ocorrem sob mu.
type Arena struct {
	mu     sync.Mutex
	region []byte

	freePages []int // offsets de páginas livres (pilha LIFO)

	parents     []*parentSlot
	freeParents []int

	// Por size class: páginas cheias em ordem de alocação, e a página
	// reservada corrente (parcial), se houver.
	fullPages    map[int][]int
	reservedPage map[int]int

	// Ordem estável das size classes com páginas cheias, para a
	// varredura de eviction (maior classe primeiro).
	classes []int
}

// New cria uma arena com capacity bytes, arredondados para cima em
// páginas inteiras (mínimo uma página).
func New(capacity int) *Arena {
	if capacity < PageSize {
		capacity = PageSize
	}
	pages := (capacity + PageSize - 1) / PageSize
	a := &Arena{
		region:       make([]byte, pages*PageSize),
		fullPages:    make(map[int][]int),
		reservedPage: make(map[int]int),
	}
	// Empilha em ordem reversa: a página 0 sai primeiro.
	for i := pages - 1; i >= 0; i-- {
		a.freePages = append(a.freePages, i*PageSize)
	}
	return a
}

// Pages retorna o número total de páginas da arena.
func (a *Arena) Pages() int {
	return len(a.region) / PageSize
}

// entrySizeFor arredonda o tamanho pedido incluindo o prefixo de
// parent index e o alinhamento.
func entrySizeFor(size int) int {
	s := size + parentPrefixSize
	return (s + entryAlign - 1) &^ (entryAlign - 1)
}

// EntriesPerPage retorna quantas entries de size bytes cabem em uma
// página.
func EntriesPerPage(size int) int {
	return (PageSize - pageHeaderSize) / entrySizeFor(size)
}

// pageCount lê o contador de entries vivas da página.
func (a *Arena) pageCount(page int) int {
	return int(binary.LittleEndian.Uint16(a.region[page:]))
}

func (a *Arena) setPageCount(page, count int) {
	binary.LittleEndian.PutUint16(a.region[page:], uint16(count))
}

// pageClass lê a size class registrada no header da página.
func (a *Arena) pageClass(page int) int {
	return int(binary.LittleEndian.Uint32(a.region[page+2:]))
}

func (a *Arena) initPage(page, entrySize int) {
	a.setPageCount(page, 0)
	binary.LittleEndian.PutUint32(a.region[page+2:], uint32(entrySize))
}

// entryOffset retorna o offset da n-ésima entry (1-based, contada do
// fim da página para o início).
func entryOffset(page, entrySize, n int) int {
	return page + PageSize - entrySize*n
}

// pushEntry tenta alocar mais uma entry na página. Retorna o offset ou
// false se a página está cheia.
func (a *Arena) pushEntry(page, entrySize int) (int, bool) {
	count := a.pageCount(page)
	off := entryOffset(page, entrySize, count+1)
	if off < page+pageHeaderSize {
		return 0, false
	}
	a.setPageCount(page, count+1)
	return off, true
}

// Allocate reserva uma entry de size bytes e retorna seu handle.
// Quando não há páginas livres, uma página cheia de alguma size class
// é esvaziada (suas entries são marcadas como dealocadas nos parents)
// e reutilizada.
func (a *Arena) Allocate(size int) (Handle, error) {
	entrySize := entrySizeFor(size)
	if entrySize > PageSize-pageHeaderSize {
		return 0, ErrEntrySize
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var off int
	for {
		if page, ok := a.reservedPage[entrySize]; ok {
			if o, ok := a.pushEntry(page, entrySize); ok {
				off = o
				break
			}
			// Página reservada esgotada: promove para a lista de cheias.
			a.fullPages[entrySize] = append(a.fullPages[entrySize], page)
			a.noteClass(entrySize)
			delete(a.reservedPage, entrySize)
		}

		if n := len(a.freePages); n > 0 {
			page := a.freePages[n-1]
			a.freePages = a.freePages[:n-1]
			a.initPage(page, entrySize)
			a.reservedPage[entrySize] = page
			continue
		}

		// Sem páginas livres: evict uma página cheia de alguma classe.
		if !a.evictLocked() {
			return 0, fmt.Errorf("arena: no pages available for %d-byte entries", size)
		}
	}

	handle := a.allocParentLocked(int64(off))
	binary.LittleEndian.PutUint32(a.region[off:], uint32(handle))
	return Handle(handle), nil
}

// noteClass registra a size class na ordem de varredura de eviction.
func (a *Arena) noteClass(entrySize int) {
	for _, c := range a.classes {
		if c == entrySize {
			return
		}
	}
	// Mantém ordenado decrescente: eviction começa pela maior classe.
	idx := len(a.classes)
	for i, c := range a.classes {
		if entrySize > c {
			idx = i
			break
		}
	}
	a.classes = append(a.classes, 0)
	copy(a.classes[idx+1:], a.classes[idx:])
	a.classes[idx] = entrySize
}

// evictLocked esvazia a página cheia mais antiga da maior size class
// disponível, marcando todas as suas entries como dealocadas.
func (a *Arena) evictLocked() bool {
	for _, class := range a.classes {
		pages := a.fullPages[class]
		if len(pages) == 0 {
			continue
		}
		page := pages[0]
		a.fullPages[class] = pages[1:]

		count := a.pageCount(page)
		for n := 1; n <= count; n++ {
			off := entryOffset(page, class, n)
			parent := int(binary.LittleEndian.Uint32(a.region[off:]))
			slot := a.parents[parent]
			slot.mu.Lock()
			slot.offset = deallocated
			slot.mu.Unlock()
		}

		a.freePages = append(a.freePages, page)
		return true
	}
	return false
}

func (a *Arena) allocParentLocked(offset int64) int {
	if n := len(a.freeParents); n > 0 {
		idx := a.freeParents[n-1]
		a.freeParents = a.freeParents[:n-1]
		slot := a.parents[idx]
		slot.offset = offset
		slot.used = true
		return idx
	}
	a.parents = append(a.parents, &parentSlot{offset: offset, used: true})
	return len(a.parents) - 1
}

// Guard dá acesso aos bytes de uma entry viva. O slot de parent
// permanece travado até Release: o allocator não move nem libera a
// entry enquanto o guard existe.
type Guard struct {
	slot *parentSlot
	data []byte
}

// Bytes retorna a janela da entry (sem o prefixo de parent index).
func (g *Guard) Bytes() []byte { return g.data }

// Release destrava a entry.
func (g *Guard) Release() {
	g.slot.mu.Unlock()
	g.slot = nil
	g.data = nil
}

// Read retorna um guard para o handle, ou false se a entry já foi
// dealocada.
func (a *Arena) Read(h Handle) (*Guard, bool) {
	a.mu.Lock()

	if int(h) >= len(a.parents) || !a.parents[h].used {
		a.mu.Unlock()
		return nil, false
	}
	slot := a.parents[h]
	slot.mu.Lock()
	if slot.offset == deallocated {
		slot.mu.Unlock()
		a.mu.Unlock()
		return nil, false
	}

	off := int(slot.offset)
	page := off / PageSize * PageSize
	entrySize := a.pageClass(page)
	data := a.region[off+parentPrefixSize : off+entrySize]

	a.mu.Unlock()
	return &Guard{slot: slot, data: data}, true
}

// Deallocate libera a entry do handle. A entry do topo da página
// reservada (ou de uma página cheia, promovida a reservada) é movida
// sobre o espaço liberado, mantendo a compactação.
//
// Deallocate de um handle já liberado por eviction apenas recicla o
// slot de parent. Liberar o mesmo handle duas vezes é um bug do
// chamador; a segunda chamada é um no-op.
func (a *Arena) Deallocate(h Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if int(h) >= len(a.parents) || !a.parents[h].used {
		return
	}
	slot := a.parents[h]

	// Aguarda qualquer guard de leitura ativo.
	slot.mu.Lock()
	off := slot.offset
	slot.offset = deallocated
	slot.used = false
	slot.mu.Unlock()
	a.freeParents = append(a.freeParents, int(h))

	if off == deallocated {
		return
	}

	deallocOff := int(off)
	page := deallocOff / PageSize * PageSize
	entrySize := a.pageClass(page)

	if reserved, ok := a.reservedPage[entrySize]; ok {
		a.popTo(reserved, entrySize, deallocOff)
		if a.pageCount(reserved) == 0 {
			delete(a.reservedPage, entrySize)
			a.freePages = append(a.freePages, reserved)
		}
		return
	}

	// Sem página reservada: promove a página cheia mais recente,
	// movendo sua entry do topo para o espaço liberado.
	pages := a.fullPages[entrySize]
	if len(pages) == 0 {
		// A entry liberada era a única da classe fora de uma página
		// reservada — impossível por construção.
		panic("arena: deallocate with no source page for size class")
	}
	source := pages[len(pages)-1]
	a.fullPages[entrySize] = pages[:len(pages)-1]

	a.popTo(source, entrySize, deallocOff)
	if a.pageCount(source) == 0 {
		a.freePages = append(a.freePages, source)
	} else {
		a.reservedPage[entrySize] = source
	}
}

// popTo remove a entry do topo de page; se não for a própria entry
// sendo liberada, copia seus bytes sobre deallocOff e reaponta o
// parent da entry movida. Deve ser chamado com a.mu held.
func (a *Arena) popTo(page, entrySize, deallocOff int) {
	count := a.pageCount(page)
	top := entryOffset(page, entrySize, count)
	a.setPageCount(page, count-1)

	if top == deallocOff {
		return
	}

	parent := int(binary.LittleEndian.Uint32(a.region[top:]))
	slot := a.parents[parent]
	slot.mu.Lock()
	copy(a.region[deallocOff:deallocOff+entrySize], a.region[top:top+entrySize])
	slot.offset = int64(deallocOff)
	slot.mu.Unlock()
}

// Stats retorna um snapshot da ocupação de páginas.
type Stats struct {
	FreePages     int
	ReservedPages int
	FullPages     int
}

// Snapshot retorna as contagens correntes de páginas por estado.
func (a *Arena) Snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Stats{
		FreePages:     len(a.freePages),
		ReservedPages: len(a.reservedPage),
	}
	for _, pages := range a.fullPages {
		s.FullPages += len(pages)
	}
	return s
}
