package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jazzdanger/nudge-me/internal/model"
)

// InsertChecklist creates a checklist and returns its id.
func (s *Store) InsertChecklist(name string) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO checklist_lists (name) VALUES (?)`, name)
	if err != nil {
		return 0, fmt.Errorf("insert checklist: %w", err)
	}
	id, _ := res.LastInsertId()
	s.notify()
	return id, nil
}

// RenameChecklist updates a checklist's name.
func (s *Store) RenameChecklist(id int64, name string) error {
	res, err := s.db.Exec(`UPDATE checklist_lists SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return fmt.Errorf("rename checklist %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.notify()
	return nil
}

// GetChecklist fetches one checklist by id.
func (s *Store) GetChecklist(id int64) (*model.ChecklistList, error) {
	var l model.ChecklistList
	err := s.db.QueryRow(`SELECT id, name FROM checklist_lists WHERE id = ?`, id).
		Scan(&l.ID, &l.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get checklist %d: %w", id, err)
	}
	return &l, nil
}

// ListChecklists returns all checklists, newest first.
func (s *Store) ListChecklists() ([]model.ChecklistList, error) {
	rows, err := s.db.Query(`SELECT id, name FROM checklist_lists ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list checklists: %w", err)
	}
	defer rows.Close()

	var out []model.ChecklistList
	for rows.Next() {
		var l model.ChecklistList
		if err := rows.Scan(&l.ID, &l.Name); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListChecklistItems returns a checklist's items, newest first.
func (s *Store) ListChecklistItems(listID int64) ([]model.ChecklistItem, error) {
	rows, err := s.db.Query(
		`SELECT id, list_id, title, checked FROM checklist_items WHERE list_id = ? ORDER BY id DESC`,
		listID,
	)
	if err != nil {
		return nil, fmt.Errorf("list checklist items: %w", err)
	}
	defer rows.Close()

	var out []model.ChecklistItem
	for rows.Next() {
		var it model.ChecklistItem
		var checked int
		if err := rows.Scan(&it.ID, &it.ListID, &it.Title, &checked); err != nil {
			return nil, err
		}
		it.Checked = checked == 1
		out = append(out, it)
	}
	return out, rows.Err()
}

// CountChecklistItems returns the number of items in a checklist.
func (s *Store) CountChecklistItems(listID int64) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM checklist_items WHERE list_id = ?`, listID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count checklist items: %w", err)
	}
	return n, nil
}

// InsertChecklistItem adds an item to a checklist.
func (s *Store) InsertChecklistItem(listID int64, title string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO checklist_items (list_id, title, checked) VALUES (?, ?, 0)`,
		listID, title,
	)
	if err != nil {
		return 0, fmt.Errorf("insert checklist item: %w", err)
	}
	id, _ := res.LastInsertId()
	s.notify()
	return id, nil
}

// SetChecklistItemChecked toggles an item's checked state.
func (s *Store) SetChecklistItemChecked(id int64, checked bool) error {
	res, err := s.db.Exec(`UPDATE checklist_items SET checked = ? WHERE id = ?`, boolInt(checked), id)
	if err != nil {
		return fmt.Errorf("update checklist item %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.notify()
	return nil
}

// DeleteChecklistItem removes an item.
func (s *Store) DeleteChecklistItem(id int64) error {
	res, err := s.db.Exec(`DELETE FROM checklist_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete checklist item %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.notify()
	return nil
}
