// Package naming implements the artifact path model shared by every stage.
//
// An artifact file name encodes its lineage:
//
//	{project_id}_{product_code}{NN}_{source_descriptor}[_{qualifier}...].{ext}
//
// and a group directory name encodes the run that produced it:
//
//	{family_prefix}{NN}_{source_tag}
//
// NN is always two decimal digits. Parsing is strict: a name that does not
// match the grammar yields a *MalformedNameError and never a partial value.
package naming
