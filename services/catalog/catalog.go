package catalog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/yaml.v3"

	"valyra/native/escrow"
	"valyra/native/fees"
)

// ErrUnknownListing indicates that no listing exists for the requested id.
var ErrUnknownListing = errors.New("catalog: unknown listing")

// listingFile mirrors the YAML representation of a listing entry.
type listingFile struct {
	ID     uint64 `yaml:"id"`
	Seller string `yaml:"seller"`
	Price  string `yaml:"price"`
	Active *bool  `yaml:"active"`
}

// Catalog is an in-memory listing directory satisfying escrow.Catalog. It is
// safe for concurrent use.
type Catalog struct {
	mu       sync.RWMutex
	listings map[uint64]*escrow.Listing
}

// New constructs a catalog seeded with the supplied listings.
func New(listings ...escrow.Listing) (*Catalog, error) {
	c := &Catalog{listings: make(map[uint64]*escrow.Listing, len(listings))}
	for i := range listings {
		if err := c.Put(listings[i]); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Load reads listings from the YAML file at path.
func Load(path string) (*Catalog, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer file.Close()
	return Decode(file)
}

// Decode parses a YAML list of listings.
func Decode(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var entries []listingFile
	if err := dec.Decode(&entries); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	listings := make([]escrow.Listing, 0, len(entries))
	seen := make(map[uint64]struct{}, len(entries))
	for _, entry := range entries {
		if _, exists := seen[entry.ID]; exists {
			return nil, fmt.Errorf("duplicate listing %d", entry.ID)
		}
		seen[entry.ID] = struct{}{}
		listing, err := entry.listing()
		if err != nil {
			return nil, err
		}
		listings = append(listings, listing)
	}
	return New(listings...)
}

func (f listingFile) listing() (escrow.Listing, error) {
	if f.ID == 0 {
		return escrow.Listing{}, fmt.Errorf("listing id required")
	}
	seller := strings.TrimSpace(f.Seller)
	if !common.IsHexAddress(seller) {
		return escrow.Listing{}, fmt.Errorf("listing %d seller: invalid address %q", f.ID, f.Seller)
	}
	price, ok := new(big.Int).SetString(strings.TrimSpace(f.Price), 10)
	if !ok {
		return escrow.Listing{}, fmt.Errorf("listing %d price: invalid integer amount %q", f.ID, f.Price)
	}
	active := true
	if f.Active != nil {
		active = *f.Active
	}
	return escrow.Listing{ID: f.ID, Seller: common.HexToAddress(seller), Price: price, Active: active}, nil
}

// Put inserts or replaces a listing.
func (c *Catalog) Put(listing escrow.Listing) error {
	if listing.ID == 0 {
		return fmt.Errorf("catalog: listing id required")
	}
	if listing.Seller == (common.Address{}) {
		return fmt.Errorf("catalog: listing %d seller required", listing.ID)
	}
	if listing.Price == nil || listing.Price.Sign() <= 0 {
		return fmt.Errorf("catalog: listing %d price must be positive", listing.ID)
	}
	if !fees.FitsUint256(listing.Price) {
		return fmt.Errorf("catalog: listing %d price exceeds 256 bits", listing.ID)
	}
	stored := listing
	stored.Price = new(big.Int).Set(listing.Price)
	c.mu.Lock()
	c.listings[listing.ID] = &stored
	c.mu.Unlock()
	return nil
}

// SetActive toggles whether new escrows may be opened against the listing.
func (c *Catalog) SetActive(id uint64, active bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	listing, ok := c.listings[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownListing, id)
	}
	listing.Active = active
	return nil
}

// Listing implements escrow.Catalog.
func (c *Catalog) Listing(_ context.Context, id uint64) (*escrow.Listing, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	listing, ok := c.listings[id]
	if !ok {
		return nil, false, nil
	}
	clone := *listing
	clone.Price = new(big.Int).Set(listing.Price)
	return &clone, true, nil
}

// Listings returns every listing ordered by id.
func (c *Catalog) Listings() []escrow.Listing {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]escrow.Listing, 0, len(c.listings))
	for _, listing := range c.listings {
		clone := *listing
		clone.Price = new(big.Int).Set(listing.Price)
		out = append(out, clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Digest returns a keccak commitment over the catalog contents. Two catalogs
// with the same listings produce the same digest regardless of load order.
func (c *Catalog) Digest() common.Hash {
	var buf []byte
	for _, listing := range c.Listings() {
		var id [8]byte
		binary.BigEndian.PutUint64(id[:], listing.ID)
		buf = append(buf, id[:]...)
		buf = append(buf, listing.Seller.Bytes()...)
		buf = append(buf, common.LeftPadBytes(listing.Price.Bytes(), 32)...)
		if listing.Active {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return common.BytesToHash(ethcrypto.Keccak256(buf))
}

var _ escrow.Catalog = (*Catalog)(nil)
