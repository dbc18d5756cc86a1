package volume

import (
	"slices"

	"tissueseg/internal/models"
	"tissueseg/pkg/undo"
)

// ArraysPerSlice reports how many voxel buffers a capture of sel takes.
func (s *Stack) ArraysPerSlice(sel undo.DataSelection) int {
	n := 0
	if sel.Has(undo.SelSource) {
		n++
	}
	if sel.Has(undo.SelWork) {
		n++
	}
	if sel.Has(undo.SelTissue) {
		n += s.layerCount
	}
	return n
}

// Capture copies the selected data of slice i into a snapshot whose
// buffers come from the stack's pools.
func (s *Stack) Capture(i int, sel undo.DataSelection) (*undo.SliceState, error) {
	if err := s.CheckSlice(i); err != nil {
		return nil, err
	}
	sl := s.slices[i]
	st := &undo.SliceState{Slice: i, Selection: sel}

	if sel.Has(undo.SelSource) {
		st.Source = s.floats.Acquire()
		copy(st.Source.Data(), sl.source.Data())
	}
	if sel.Has(undo.SelWork) {
		st.Work = s.floats.Acquire()
		copy(st.Work.Data(), sl.work.Data())
	}
	if sel.Has(undo.SelTissue) {
		for _, layer := range sl.layers {
			h := s.labels.Acquire()
			copy(h.Data(), layer.Data())
			st.Layers = append(st.Layers, h)
		}
	}
	if sel.Has(undo.SelMarks) {
		st.Marks = slices.Clone(sl.Marks)
	}
	if sel.Has(undo.SelLimits) {
		st.Limits = clonePolylines(sl.Limits)
	}
	if sel.Has(undo.SelVVM) {
		st.VVM = slices.Clone(sl.VVM)
	}
	return st, nil
}

// Restore copies a snapshot back into the buffers of its slice.
func (s *Stack) Restore(st *undo.SliceState) error {
	if err := s.CheckSlice(st.Slice); err != nil {
		return err
	}
	sl := s.slices[st.Slice]
	sel := st.Selection

	if st.Source != nil {
		if len(st.Source.Data()) != s.Area() {
			return ErrDimensionMismatch
		}
		copy(sl.source.Data(), st.Source.Data())
		sl.modes[KindSource] = models.Modified
	}
	if st.Work != nil {
		if len(st.Work.Data()) != s.Area() {
			return ErrDimensionMismatch
		}
		copy(sl.work.Data(), st.Work.Data())
		sl.modes[KindWork] = models.Modified
	}
	if sel.Has(undo.SelTissue) {
		// Layers added or removed since the capture are left alone.
		for l := 0; l < len(st.Layers) && l < len(sl.layers); l++ {
			if len(st.Layers[l].Data()) != s.Area() {
				return ErrDimensionMismatch
			}
			copy(sl.layers[l].Data(), st.Layers[l].Data())
		}
		sl.modes[KindTissue] = models.Modified
	}
	if sel.Has(undo.SelMarks) {
		sl.Marks = slices.Clone(st.Marks)
	}
	if sel.Has(undo.SelLimits) {
		sl.Limits = clonePolylines(st.Limits)
	}
	if sel.Has(undo.SelVVM) {
		sl.VVM = slices.Clone(st.VVM)
	}
	return nil
}

func clonePolylines(in []models.Polyline) []models.Polyline {
	if in == nil {
		return nil
	}
	out := make([]models.Polyline, len(in))
	for i, p := range in {
		out[i] = p.Clone()
	}
	return out
}
