package sqlite

import (
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/elnosh/nutsack/cashu"
	"github.com/elnosh/nutsack/crypto"
	"github.com/elnosh/nutsack/wallet/storage"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteDB struct {
	db *sql.DB
}

func InitSQLite(path string) (*SQLiteDB, error) {
	dbpath := filepath.Join(path, "wallet.sqlite.db")
	db, err := sql.Open("sqlite3", dbpath)
	if err != nil {
		return nil, err
	}

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, err
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, fmt.Sprintf("sqlite3://%s", dbpath))
	if err != nil {
		return nil, err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &SQLiteDB{db: db}, nil
}

func (sqlite *SQLiteDB) Close() error {
	return sqlite.db.Close()
}

const proofColumns = "secret, y, amount, keyset_id, c, witness, dleq, mint_url, disabled, disabled_reason"

type scanner interface {
	Scan(dest ...any) error
}

func scanProof(row scanner, extra ...any) (storage.DBProof, error) {
	var proof storage.DBProof
	var dleq sql.NullString
	var reason string

	dest := []any{
		&proof.Secret,
		&proof.Y,
		&proof.Amount,
		&proof.Id,
		&proof.C,
		&proof.Witness,
		&dleq,
		&proof.MintURL,
		&proof.Disabled,
		&reason,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return storage.DBProof{}, err
	}
	proof.DisabledReason = storage.DisabledReason(reason)

	if dleq.Valid && dleq.String != "" {
		var dleqProof cashu.DLEQProof
		if err := json.Unmarshal([]byte(dleq.String), &dleqProof); err != nil {
			return storage.DBProof{}, err
		}
		proof.DLEQ = &dleqProof
	}

	return proof, nil
}

func proofArgs(proof storage.DBProof) ([]any, error) {
	if proof.Y == "" {
		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return nil, err
		}
		proof.Y = hex.EncodeToString(Y.SerializeCompressed())
	}

	var dleq sql.NullString
	if proof.DLEQ != nil {
		dleqJson, err := json.Marshal(proof.DLEQ)
		if err != nil {
			return nil, err
		}
		dleq = sql.NullString{String: string(dleqJson), Valid: true}
	}

	return []any{
		proof.Secret,
		proof.Y,
		proof.Amount,
		proof.Id,
		proof.C,
		proof.Witness,
		dleq,
		proof.MintURL,
		proof.Disabled,
		string(proof.DisabledReason),
	}, nil
}

func queryProofs(db *sql.DB, query string, args ...any) []storage.DBProof {
	proofs := []storage.DBProof{}

	rows, err := db.Query(query, args...)
	if err != nil {
		return proofs
	}
	defer rows.Close()

	for rows.Next() {
		proof, err := scanProof(rows)
		if err != nil {
			return []storage.DBProof{}
		}
		proofs = append(proofs, proof)
	}

	return proofs
}

func (sqlite *SQLiteDB) GetProofs() []storage.DBProof {
	return queryProofs(sqlite.db, "SELECT "+proofColumns+" FROM proofs")
}

func (sqlite *SQLiteDB) SaveProofs(proofs []storage.DBProof) error {
	return sqlite.UpdateProofs(proofs, nil)
}

func (sqlite *SQLiteDB) UpdateProofs(add []storage.DBProof, removeSecrets []string) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, secret := range removeSecrets {
		if _, err := tx.Exec("DELETE FROM proofs WHERE secret = ?", secret); err != nil {
			return err
		}
	}

	if len(add) > 0 {
		stmt, err := tx.Prepare(
			"INSERT OR REPLACE INTO proofs (" + proofColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, proof := range add {
			if proof.Amount == 0 {
				return storage.ErrInvalidAmount
			}
			args, err := proofArgs(proof)
			if err != nil {
				return err
			}
			if _, err := stmt.Exec(args...); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

func (sqlite *SQLiteDB) SetProofsDisabled(secrets []string, disabled bool, reason storage.DisabledReason) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if !disabled {
		reason = ""
	}
	for _, secret := range secrets {
		result, err := tx.Exec(
			"UPDATE proofs SET disabled = ?, disabled_reason = ? WHERE secret = ?",
			disabled, string(reason), secret,
		)
		if err != nil {
			return err
		}
		if count, err := result.RowsAffected(); err != nil || count != 1 {
			return storage.ErrProofNotFound
		}
	}

	return tx.Commit()
}

func (sqlite *SQLiteDB) MoveToPending(secrets []string, quoteId string) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, secret := range secrets {
		result, err := tx.Exec(
			"INSERT INTO pending_proofs ("+proofColumns+", melt_quote_id) SELECT "+proofColumns+", ? FROM proofs WHERE secret = ?",
			quoteId, secret,
		)
		if err != nil {
			return err
		}
		if count, err := result.RowsAffected(); err != nil || count != 1 {
			return storage.ErrProofNotFound
		}
		if _, err := tx.Exec("DELETE FROM proofs WHERE secret = ?", secret); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (sqlite *SQLiteDB) RestorePending(quoteId string) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		"INSERT OR REPLACE INTO proofs ("+proofColumns+") SELECT "+proofColumns+" FROM pending_proofs WHERE melt_quote_id = ?",
		quoteId,
	)
	if err != nil {
		return err
	}
	if count, err := result.RowsAffected(); err != nil || count == 0 {
		return storage.ErrPendingNotFound
	}

	if _, err := tx.Exec("DELETE FROM pending_proofs WHERE melt_quote_id = ?", quoteId); err != nil {
		return err
	}

	return tx.Commit()
}

func (sqlite *SQLiteDB) queryPendingProofs(query string, args ...any) []storage.DBProof {
	proofs := []storage.DBProof{}

	rows, err := sqlite.db.Query(query, args...)
	if err != nil {
		return proofs
	}
	defer rows.Close()

	for rows.Next() {
		var quoteId string
		proof, err := scanProof(rows, &quoteId)
		if err != nil {
			return []storage.DBProof{}
		}
		proof.MeltQuoteId = quoteId
		proofs = append(proofs, proof)
	}

	return proofs
}

func (sqlite *SQLiteDB) GetPendingProofs() []storage.DBProof {
	return sqlite.queryPendingProofs("SELECT " + proofColumns + ", melt_quote_id FROM pending_proofs")
}

func (sqlite *SQLiteDB) GetPendingProofsByQuoteId(quoteId string) []storage.DBProof {
	return sqlite.queryPendingProofs(
		"SELECT "+proofColumns+", melt_quote_id FROM pending_proofs WHERE melt_quote_id = ?",
		quoteId,
	)
}

func (sqlite *SQLiteDB) DeletePendingProofsByQuoteId(quoteId string) error {
	_, err := sqlite.db.Exec("DELETE FROM pending_proofs WHERE melt_quote_id = ?", quoteId)
	return err
}

func (sqlite *SQLiteDB) SaveMnemonicSeed(mnemonic string, seed []byte) error {
	_, err := sqlite.db.Exec(
		"INSERT OR REPLACE INTO seed (id, mnemonic, seed) VALUES (?, ?, ?)",
		"id", mnemonic, hex.EncodeToString(seed),
	)
	return err
}

func (sqlite *SQLiteDB) GetSeed() []byte {
	var hexSeed string
	if err := sqlite.db.QueryRow("SELECT seed FROM seed WHERE id = ?", "id").Scan(&hexSeed); err != nil {
		return nil
	}

	seed, err := hex.DecodeString(hexSeed)
	if err != nil {
		return nil
	}
	return seed
}

func (sqlite *SQLiteDB) GetMnemonic() string {
	var mnemonic string
	if err := sqlite.db.QueryRow("SELECT mnemonic FROM seed WHERE id = ?", "id").Scan(&mnemonic); err != nil {
		return ""
	}
	return mnemonic
}

func (sqlite *SQLiteDB) SaveKeyset(keyset *crypto.WalletKeyset) error {
	pubkeys := make(map[uint64]string, len(keyset.PublicKeys))
	for amount, pubkey := range keyset.PublicKeys {
		pubkeys[amount] = hex.EncodeToString(pubkey.SerializeCompressed())
	}
	pubkeysJson, err := json.Marshal(pubkeys)
	if err != nil {
		return err
	}

	// counter is only changed through ReserveKeysetCounter
	_, err = sqlite.db.Exec(`
		INSERT INTO keysets (id, mint_url, unit, active, public_keys, input_fee_ppk, counter)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			mint_url = excluded.mint_url,
			unit = excluded.unit,
			active = excluded.active,
			public_keys = excluded.public_keys,
			input_fee_ppk = excluded.input_fee_ppk`,
		keyset.Id,
		keyset.MintURL,
		keyset.Unit,
		keyset.Active,
		string(pubkeysJson),
		keyset.InputFeePpk,
		keyset.Counter,
	)
	return err
}

func scanKeyset(row scanner) (crypto.WalletKeyset, error) {
	var keyset crypto.WalletKeyset
	var pubkeysJson string

	err := row.Scan(
		&keyset.Id,
		&keyset.MintURL,
		&keyset.Unit,
		&keyset.Active,
		&pubkeysJson,
		&keyset.InputFeePpk,
		&keyset.Counter,
	)
	if err != nil {
		return crypto.WalletKeyset{}, err
	}

	var pubkeys map[uint64]string
	if err := json.Unmarshal([]byte(pubkeysJson), &pubkeys); err != nil {
		return crypto.WalletKeyset{}, err
	}
	keyset.PublicKeys, err = crypto.MapPubKeys(pubkeys)
	if err != nil {
		return crypto.WalletKeyset{}, err
	}

	return keyset, nil
}

const keysetColumns = "id, mint_url, unit, active, public_keys, input_fee_ppk, counter"

func (sqlite *SQLiteDB) GetKeysets() crypto.KeysetsMap {
	keysets := make(crypto.KeysetsMap)

	rows, err := sqlite.db.Query("SELECT " + keysetColumns + " FROM keysets")
	if err != nil {
		return keysets
	}
	defer rows.Close()

	for rows.Next() {
		keyset, err := scanKeyset(rows)
		if err != nil {
			return make(crypto.KeysetsMap)
		}
		keysets[keyset.MintURL] = append(keysets[keyset.MintURL], keyset)
	}

	return keysets
}

func (sqlite *SQLiteDB) GetKeyset(keysetId string) *crypto.WalletKeyset {
	row := sqlite.db.QueryRow("SELECT "+keysetColumns+" FROM keysets WHERE id = ?", keysetId)
	keyset, err := scanKeyset(row)
	if err != nil {
		return nil
	}
	return &keyset
}

func (sqlite *SQLiteDB) ReserveKeysetCounter(keysetId string, num uint32) (uint32, error) {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var counter uint32
	if err := tx.QueryRow("SELECT counter FROM keysets WHERE id = ?", keysetId).Scan(&counter); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, storage.ErrKeysetNotFound
		}
		return 0, err
	}

	if _, err := tx.Exec("UPDATE keysets SET counter = ? WHERE id = ?", counter+num, keysetId); err != nil {
		return 0, err
	}

	return counter, tx.Commit()
}

func (sqlite *SQLiteDB) SavePendingMint(pendingMint storage.PendingMint) error {
	outputs, err := json.Marshal(pendingMint.Outputs)
	if err != nil {
		return err
	}

	_, err = sqlite.db.Exec(`
		INSERT OR REPLACE INTO pending_mints
		(quote_id, mint_url, keyset_id, outputs, expected_amount, request, expiry, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		pendingMint.QuoteId,
		pendingMint.MintURL,
		pendingMint.KeysetId,
		string(outputs),
		pendingMint.ExpectedAmount,
		pendingMint.Request,
		pendingMint.Expiry,
		pendingMint.CreatedAt,
	)
	return err
}

const pendingMintColumns = "quote_id, mint_url, keyset_id, outputs, expected_amount, request, expiry, created_at"

func scanPendingMint(row scanner) (storage.PendingMint, error) {
	var pendingMint storage.PendingMint
	var outputs string

	err := row.Scan(
		&pendingMint.QuoteId,
		&pendingMint.MintURL,
		&pendingMint.KeysetId,
		&outputs,
		&pendingMint.ExpectedAmount,
		&pendingMint.Request,
		&pendingMint.Expiry,
		&pendingMint.CreatedAt,
	)
	if err != nil {
		return storage.PendingMint{}, err
	}

	if err := json.Unmarshal([]byte(outputs), &pendingMint.Outputs); err != nil {
		return storage.PendingMint{}, err
	}
	return pendingMint, nil
}

func (sqlite *SQLiteDB) GetPendingMint(quoteId string) *storage.PendingMint {
	row := sqlite.db.QueryRow("SELECT "+pendingMintColumns+" FROM pending_mints WHERE quote_id = ?", quoteId)
	pendingMint, err := scanPendingMint(row)
	if err != nil {
		return nil
	}
	return &pendingMint
}

func (sqlite *SQLiteDB) GetPendingMints() []storage.PendingMint {
	pendingMints := []storage.PendingMint{}

	rows, err := sqlite.db.Query("SELECT " + pendingMintColumns + " FROM pending_mints")
	if err != nil {
		return pendingMints
	}
	defer rows.Close()

	for rows.Next() {
		pendingMint, err := scanPendingMint(rows)
		if err != nil {
			return []storage.PendingMint{}
		}
		pendingMints = append(pendingMints, pendingMint)
	}

	return pendingMints
}

func (sqlite *SQLiteDB) DeletePendingMint(quoteId string) error {
	_, err := sqlite.db.Exec("DELETE FROM pending_mints WHERE quote_id = ?", quoteId)
	return err
}

func (sqlite *SQLiteDB) SaveTransaction(tx storage.Transaction) error {
	_, err := sqlite.db.Exec(`
		INSERT OR REPLACE INTO transactions
		(id, type, amount, timestamp, status, memo, mint_url, quote_id, token)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.Id,
		string(tx.Type),
		tx.Amount,
		tx.Timestamp.UnixNano(),
		string(tx.Status),
		tx.Memo,
		tx.MintURL,
		tx.QuoteId,
		tx.Token,
	)
	return err
}

func (sqlite *SQLiteDB) GetTransactions() []storage.Transaction {
	transactions := []storage.Transaction{}

	rows, err := sqlite.db.Query(`
		SELECT id, type, amount, timestamp, status, memo, mint_url, quote_id, token
		FROM transactions ORDER BY timestamp DESC`,
	)
	if err != nil {
		return transactions
	}
	defer rows.Close()

	for rows.Next() {
		var tx storage.Transaction
		var txType, status string
		var timestamp int64

		err := rows.Scan(
			&tx.Id,
			&txType,
			&tx.Amount,
			&timestamp,
			&status,
			&tx.Memo,
			&tx.MintURL,
			&tx.QuoteId,
			&tx.Token,
		)
		if err != nil {
			return []storage.Transaction{}
		}
		tx.Type = storage.TxType(txType)
		tx.Status = storage.TxStatus(status)
		tx.Timestamp = time.Unix(0, timestamp)
		transactions = append(transactions, tx)
	}

	return transactions
}

func (sqlite *SQLiteDB) UpdateTransactionStatus(id string, status storage.TxStatus) error {
	result, err := sqlite.db.Exec("UPDATE transactions SET status = ? WHERE id = ?", string(status), id)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return storage.ErrTxNotFound
	}
	return nil
}

func (sqlite *SQLiteDB) SaveFeeHint(hint storage.FeeHint) error {
	if strings.TrimSpace(hint.MintKey) == "" {
		return errors.New("fee hint without mint")
	}
	_, err := sqlite.db.Exec(
		"INSERT OR REPLACE INTO fee_hints (mint_key, fee_reserve) VALUES (?, ?)",
		hint.MintKey, hint.FeeReserve,
	)
	return err
}

func (sqlite *SQLiteDB) GetFeeHint(mintKey string) (storage.FeeHint, bool) {
	hint := storage.FeeHint{MintKey: mintKey}
	err := sqlite.db.QueryRow("SELECT fee_reserve FROM fee_hints WHERE mint_key = ?", mintKey).Scan(&hint.FeeReserve)
	if err != nil {
		return storage.FeeHint{}, false
	}
	return hint, true
}
