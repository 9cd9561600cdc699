package catalog

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"valyra/native/escrow"
)

const sampleCatalog = `
- id: 7
  seller: "0x0000000000000000000000000000000000000020"
  price: "1000000"
- id: 9
  seller: "0x0000000000000000000000000000000000000021"
  price: "500"
  active: false
`

func TestLoadParsesListings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o600))

	c, err := Load(path)
	require.NoError(t, err)

	listing, ok, err := c.Listing(context.Background(), 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, common.HexToAddress("0x20"), listing.Seller)
	require.Equal(t, "1000000", listing.Price.String())
	require.True(t, listing.Active)

	listing, ok, err = c.Listing(context.Background(), 9)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, listing.Active)

	_, ok, err = c.Listing(context.Background(), 8)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDecodeRejectsMalformedEntries(t *testing.T) {
	cases := map[string]string{
		"duplicate": "- {id: 1, seller: \"0x0000000000000000000000000000000000000020\", price: \"1\"}\n- {id: 1, seller: \"0x0000000000000000000000000000000000000020\", price: \"2\"}\n",
		"seller":    "- {id: 1, seller: \"bob\", price: \"1\"}\n",
		"price":     "- {id: 1, seller: \"0x0000000000000000000000000000000000000020\", price: \"1.5\"}\n",
		"zero":      "- {id: 1, seller: \"0x0000000000000000000000000000000000000020\", price: \"0\"}\n",
		"unknown":   "- {id: 1, seller: \"0x0000000000000000000000000000000000000020\", price: \"1\", colour: red}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(doc))
			require.Error(t, err)
		})
	}
}

func TestListingReturnsCopies(t *testing.T) {
	c, err := New(escrow.Listing{ID: 1, Seller: common.HexToAddress("0x20"), Price: big.NewInt(10), Active: true})
	require.NoError(t, err)

	listing, _, err := c.Listing(context.Background(), 1)
	require.NoError(t, err)
	listing.Price.SetInt64(99)

	again, _, err := c.Listing(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, int64(10), again.Price.Int64())

	require.NoError(t, c.SetActive(1, false))
	again, _, err = c.Listing(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, again.Active)
	require.ErrorIs(t, c.SetActive(2, false), ErrUnknownListing)
}

func TestDigestIgnoresInsertionOrder(t *testing.T) {
	a := escrow.Listing{ID: 1, Seller: common.HexToAddress("0x20"), Price: big.NewInt(10), Active: true}
	b := escrow.Listing{ID: 2, Seller: common.HexToAddress("0x21"), Price: big.NewInt(20), Active: true}

	first, err := New(a, b)
	require.NoError(t, err)
	second, err := New(b, a)
	require.NoError(t, err)
	require.Equal(t, first.Digest(), second.Digest())

	require.NoError(t, second.SetActive(2, false))
	require.NotEqual(t, first.Digest(), second.Digest())
}
