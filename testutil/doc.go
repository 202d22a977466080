// Package testutil provides fakes and fixtures for tests.
//
// It is intended for use in tests only.
//
//	dir := testutil.WriteConfig(t, t.TempDir(), testutil.SchemaYAML("t1", 1), "")
//	b := &testutil.MockBuilder{}
//	b.On("Build", mock.Anything, mock.Anything).Return(engine.ErrIO)
package testutil
