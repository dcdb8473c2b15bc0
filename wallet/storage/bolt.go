package storage

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/elnosh/nutsack/crypto"
	bolt "go.etcd.io/bbolt"
)

const (
	keysetsBucket       = "keysets"
	proofsBucket        = "proofs"
	pendingProofsBucket = "pending_proofs"
	seedBucket          = "seed"
	pendingMintsBucket  = "pending_mints"
	transactionsBucket  = "transactions"
	feeHintsBucket      = "fee_hints"
	mnemonicKey         = "mnemonic"
	seedKey             = "seed"
	keysetCounterPrefix = "counter_"
)

type BoltDB struct {
	bolt *bolt.DB
}

func InitBolt(path string) (*BoltDB, error) {
	db, err := bolt.Open(filepath.Join(path, "wallet.db"), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("error setting bolt db: %v", err)
	}

	boltdb := &BoltDB{bolt: db}
	if err := boltdb.initWalletBuckets(); err != nil {
		return nil, fmt.Errorf("error setting bolt db: %v", err)
	}

	return boltdb, nil
}

func (db *BoltDB) Close() error {
	return db.bolt.Close()
}

func (db *BoltDB) initWalletBuckets() error {
	buckets := []string{
		keysetsBucket,
		proofsBucket,
		pendingProofsBucket,
		seedBucket,
		pendingMintsBucket,
		transactionsBucket,
		feeHintsBucket,
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	})
}

func getAll[T any](db *bolt.DB, bucket string) []T {
	values := []T{}

	if err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))

		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var value T
			if err := json.Unmarshal(v, &value); err != nil {
				return err
			}
			values = append(values, value)
		}
		return nil
	}); err != nil {
		return []T{}
	}

	return values
}

func put(b *bolt.Bucket, key string, value any) error {
	jsonValue, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), jsonValue)
}

// setY computes Y = hash_to_curve(secret) if it is not already set.
func setY(proof *DBProof) error {
	if proof.Y != "" {
		return nil
	}
	Y, err := crypto.HashToCurve([]byte(proof.Secret))
	if err != nil {
		return err
	}
	proof.Y = hex.EncodeToString(Y.SerializeCompressed())
	return nil
}

func (db *BoltDB) GetProofs() []DBProof {
	return getAll[DBProof](db.bolt, proofsBucket)
}

func (db *BoltDB) SaveProofs(proofs []DBProof) error {
	return db.UpdateProofs(proofs, nil)
}

func (db *BoltDB) UpdateProofs(add []DBProof, removeSecrets []string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))

		for _, secret := range removeSecrets {
			if err := proofsb.Delete([]byte(secret)); err != nil {
				return err
			}
		}

		for _, proof := range add {
			if proof.Amount == 0 {
				return ErrInvalidAmount
			}
			if err := setY(&proof); err != nil {
				return err
			}
			proof.MeltQuoteId = ""
			if err := put(proofsb, proof.Secret, proof); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) SetProofsDisabled(secrets []string, disabled bool, reason DisabledReason) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))

		for _, secret := range secrets {
			value := proofsb.Get([]byte(secret))
			if value == nil {
				return ErrProofNotFound
			}

			var proof DBProof
			if err := json.Unmarshal(value, &proof); err != nil {
				return err
			}
			proof.Disabled = disabled
			if disabled {
				proof.DisabledReason = reason
			} else {
				proof.DisabledReason = ""
			}
			if err := put(proofsb, secret, proof); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) MoveToPending(secrets []string, quoteId string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		pendingb := tx.Bucket([]byte(pendingProofsBucket))

		for _, secret := range secrets {
			value := proofsb.Get([]byte(secret))
			if value == nil {
				return ErrProofNotFound
			}

			var proof DBProof
			if err := json.Unmarshal(value, &proof); err != nil {
				return err
			}
			proof.MeltQuoteId = quoteId
			if err := put(pendingb, secret, proof); err != nil {
				return err
			}
			if err := proofsb.Delete([]byte(secret)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) RestorePending(quoteId string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		pendingb := tx.Bucket([]byte(pendingProofsBucket))

		restored := [][]byte{}
		c := pendingb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var proof DBProof
			if err := json.Unmarshal(v, &proof); err != nil {
				return err
			}
			if proof.MeltQuoteId != quoteId {
				continue
			}
			proof.MeltQuoteId = ""
			if err := put(proofsb, proof.Secret, proof); err != nil {
				return err
			}
			restored = append(restored, slices.Clone(k))
		}

		if len(restored) == 0 {
			return ErrPendingNotFound
		}
		for _, key := range restored {
			if err := pendingb.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) GetPendingProofs() []DBProof {
	return getAll[DBProof](db.bolt, pendingProofsBucket)
}

func (db *BoltDB) GetPendingProofsByQuoteId(quoteId string) []DBProof {
	proofs := []DBProof{}
	for _, proof := range db.GetPendingProofs() {
		if proof.MeltQuoteId == quoteId {
			proofs = append(proofs, proof)
		}
	}
	return proofs
}

func (db *BoltDB) DeletePendingProofsByQuoteId(quoteId string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		pendingb := tx.Bucket([]byte(pendingProofsBucket))

		toDelete := [][]byte{}
		c := pendingb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var proof DBProof
			if err := json.Unmarshal(v, &proof); err != nil {
				return err
			}
			if proof.MeltQuoteId == quoteId {
				toDelete = append(toDelete, slices.Clone(k))
			}
		}

		for _, key := range toDelete {
			if err := pendingb.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) SaveMnemonicSeed(mnemonic string, seed []byte) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		seedb := tx.Bucket([]byte(seedBucket))
		if err := seedb.Put([]byte(seedKey), seed); err != nil {
			return err
		}
		return seedb.Put([]byte(mnemonicKey), []byte(mnemonic))
	})
}

func (db *BoltDB) GetSeed() []byte {
	var seed []byte
	db.bolt.View(func(tx *bolt.Tx) error {
		seed = slices.Clone(tx.Bucket([]byte(seedBucket)).Get([]byte(seedKey)))
		return nil
	})
	return seed
}

func (db *BoltDB) GetMnemonic() string {
	var mnemonic string
	db.bolt.View(func(tx *bolt.Tx) error {
		mnemonic = string(tx.Bucket([]byte(seedBucket)).Get([]byte(mnemonicKey)))
		return nil
	})
	return mnemonic
}

func (db *BoltDB) SaveKeyset(keyset *crypto.WalletKeyset) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))

		// counter is only changed through ReserveKeysetCounter
		counterKey := []byte(keysetCounterPrefix + keyset.Id)
		if keysetsb.Get(counterKey) == nil {
			counter := make([]byte, 4)
			binary.BigEndian.PutUint32(counter, keyset.Counter)
			if err := keysetsb.Put(counterKey, counter); err != nil {
				return err
			}
		}
		return put(keysetsb, keyset.Id, keyset)
	})
}

func (db *BoltDB) GetKeysets() crypto.KeysetsMap {
	keysets := make(crypto.KeysetsMap)

	db.bolt.View(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))

		c := keysetsb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if strings.HasPrefix(string(k), keysetCounterPrefix) {
				continue
			}

			var keyset crypto.WalletKeyset
			if err := json.Unmarshal(v, &keyset); err != nil {
				return err
			}
			keyset.Counter = getCounter(keysetsb, keyset.Id)
			keysets[keyset.MintURL] = append(keysets[keyset.MintURL], keyset)
		}
		return nil
	})

	return keysets
}

func (db *BoltDB) GetKeyset(keysetId string) *crypto.WalletKeyset {
	var keyset *crypto.WalletKeyset

	db.bolt.View(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		value := keysetsb.Get([]byte(keysetId))
		if value == nil {
			return nil
		}

		var ks crypto.WalletKeyset
		if err := json.Unmarshal(value, &ks); err != nil {
			return err
		}
		ks.Counter = getCounter(keysetsb, keysetId)
		keyset = &ks
		return nil
	})

	return keyset
}

func getCounter(keysetsb *bolt.Bucket, keysetId string) uint32 {
	counter := keysetsb.Get([]byte(keysetCounterPrefix + keysetId))
	if len(counter) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(counter)
}

func (db *BoltDB) ReserveKeysetCounter(keysetId string, num uint32) (uint32, error) {
	var current uint32

	err := db.bolt.Update(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		if keysetsb.Get([]byte(keysetId)) == nil {
			return ErrKeysetNotFound
		}

		current = getCounter(keysetsb, keysetId)
		counter := make([]byte, 4)
		binary.BigEndian.PutUint32(counter, current+num)
		return keysetsb.Put([]byte(keysetCounterPrefix+keysetId), counter)
	})

	return current, err
}

func (db *BoltDB) SavePendingMint(pendingMint PendingMint) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket([]byte(pendingMintsBucket)), pendingMint.QuoteId, pendingMint)
	})
}

func (db *BoltDB) GetPendingMint(quoteId string) *PendingMint {
	var pendingMint *PendingMint

	db.bolt.View(func(tx *bolt.Tx) error {
		value := tx.Bucket([]byte(pendingMintsBucket)).Get([]byte(quoteId))
		if value == nil {
			return nil
		}

		var pm PendingMint
		if err := json.Unmarshal(value, &pm); err != nil {
			return err
		}
		pendingMint = &pm
		return nil
	})

	return pendingMint
}

func (db *BoltDB) GetPendingMints() []PendingMint {
	return getAll[PendingMint](db.bolt, pendingMintsBucket)
}

func (db *BoltDB) DeletePendingMint(quoteId string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(pendingMintsBucket)).Delete([]byte(quoteId))
	})
}

func (db *BoltDB) SaveTransaction(transaction Transaction) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket([]byte(transactionsBucket)), transaction.Id, transaction)
	})
}

// GetTransactions returns the transactions sorted by most recent first.
func (db *BoltDB) GetTransactions() []Transaction {
	transactions := getAll[Transaction](db.bolt, transactionsBucket)
	slices.SortStableFunc(transactions, func(a, b Transaction) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	return transactions
}

func (db *BoltDB) UpdateTransactionStatus(id string, status TxStatus) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		txb := tx.Bucket([]byte(transactionsBucket))
		value := txb.Get([]byte(id))
		if value == nil {
			return ErrTxNotFound
		}

		var transaction Transaction
		if err := json.Unmarshal(value, &transaction); err != nil {
			return err
		}
		transaction.Status = status
		return put(txb, id, transaction)
	})
}

func (db *BoltDB) SaveFeeHint(hint FeeHint) error {
	if hint.MintKey == "" {
		return errors.New("fee hint without mint")
	}
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket([]byte(feeHintsBucket)), hint.MintKey, hint)
	})
}

func (db *BoltDB) GetFeeHint(mintKey string) (FeeHint, bool) {
	var hint FeeHint
	found := false

	db.bolt.View(func(tx *bolt.Tx) error {
		value := tx.Bucket([]byte(feeHintsBucket)).Get([]byte(mintKey))
		if value == nil {
			return nil
		}
		if err := json.Unmarshal(value, &hint); err != nil {
			return err
		}
		found = true
		return nil
	})

	return hint, found
}
