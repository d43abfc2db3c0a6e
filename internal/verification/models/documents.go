package models

import id "idverify/pkg/domain"

// DocumentSet is an insertion-ordered set of document references created
// during a saga. It only shrinks when compensation confirms a deletion.
type DocumentSet struct {
	order []id.DocumentID
	index map[id.DocumentID]struct{}
}

// NewDocumentSet rebuilds a set from persisted IDs, dropping duplicates.
func NewDocumentSet(ids []id.DocumentID) DocumentSet {
	var s DocumentSet
	for _, docID := range ids {
		s.Add(docID)
	}
	return s
}

// Add inserts docID. Returns false when it was already present.
func (s *DocumentSet) Add(docID id.DocumentID) bool {
	if s.index == nil {
		s.index = make(map[id.DocumentID]struct{})
	}
	if _, ok := s.index[docID]; ok {
		return false
	}
	s.index[docID] = struct{}{}
	s.order = append(s.order, docID)
	return true
}

func (s DocumentSet) Contains(docID id.DocumentID) bool {
	_, ok := s.index[docID]
	return ok
}

func (s DocumentSet) Len() int {
	return len(s.order)
}

// IDs returns the members in creation order.
func (s DocumentSet) IDs() []id.DocumentID {
	if len(s.order) == 0 {
		return nil
	}
	return append([]id.DocumentID(nil), s.order...)
}

// remove is reserved for compensation; see SagaState.ForgetDocument.
func (s *DocumentSet) remove(docID id.DocumentID) bool {
	if _, ok := s.index[docID]; !ok {
		return false
	}
	delete(s.index, docID)
	for i, existing := range s.order {
		if existing == docID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}
