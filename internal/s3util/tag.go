package s3util

// projectTag is the URL-encoded S3 object tagging string for cost allocation.
// Staged inputs and manifests carry it so batch storage shows up separately
// in the bill.
const projectTag = "Project=media-batch"

// ProjectTagging returns a pointer to the URL-encoded S3 object tagging string.
// Use as the Tagging field on PutObjectInput and CopyObjectInput.
func ProjectTagging() *string {
	t := projectTag
	return &t
}
